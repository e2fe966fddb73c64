// The in-memory store owns the key index and the size/count accounting, and runs the eviction
// mechanics; the ordering decisions themselves come from the configured strategy. The store is not
// thread-safe on its own: the owning cache serializes every call under one per-namespace lock, so
// the strategy bookkeeping can never drift from the entry index.

package cache

import (
	"errors"
	"time"

	"github.com/nobletooth/mango/pkg/utils"
)

// ErrCannotFit is returned by Set when an entry structurally cannot fit: either the store admits
// no entries at all, or the single entry's size estimate alone exceeds the memory ceiling.
// The cache state is left unchanged. It is the only error the write path ever reports;
// all not-found conditions are normal boolean returns.
var ErrCannotFit = errors.New("entry cannot fit in cache")

// memoryStore is the in-memory index of a single cache namespace.
type memoryStore[V any] struct {
	entries    map[string]*entry[V]
	strat      strategy[V]
	curBytes   int64 // Running total of all entry size estimates.
	maxEntries int
	maxBytes   int64
}

func newMemoryStore[V any](strat strategy[V], maxEntries int, maxBytes int64) *memoryStore[V] {
	return &memoryStore[V]{entries: make(map[string]*entry[V]), strat: strat,
		maxEntries: maxEntries, maxBytes: maxBytes}
}

// get returns the entry for the key after touching it. A present-but-expired entry is removed
// synchronously and reported through wasExpired, so an expired entry is never returned as a hit.
func (m *memoryStore[V]) get(key string, now time.Time) (e *entry[V], hit bool, wasExpired bool) {
	e, exists := m.entries[key]
	if !exists {
		return nil, false, false
	}
	if e.expired(now) {
		m.removeEntry(e)
		return nil, false, true
	}
	e.touch(now)
	m.strat.onAccess(e)
	return e, true, false
}

// removeEntry drops the entry from the index, fixes the accounting, and tells the strategy.
// Every removal path must go through here.
func (m *memoryStore[V]) removeEntry(e *entry[V]) {
	delete(m.entries, e.key)
	m.curBytes -= e.sizeEstimate
	if m.curBytes < 0 {
		utils.RaiseInvariant("storage", "negative_memory_accounting",
			"Cache memory accounting went negative.", "key", e.key, "bytes", m.curBytes)
		m.curBytes = 0
	}
	m.strat.onRemove(e.key)
}

// expiredVictim returns the oldest expired entry, if any. Expired entries are always evicted
// before the strategy is consulted, since they can never be served again anyway.
func (m *memoryStore[V]) expiredVictim(now time.Time) (*entry[V], bool) {
	var oldest *entry[V]
	for _, e := range m.entries {
		if e.expired(now) && (oldest == nil || olderThan(e, oldest)) {
			oldest = e
		}
	}
	return oldest, oldest != nil
}

// insert stores a new entry, evicting until both ceilings hold. It returns the capacity-evicted
// live entries (candidates for the durable overflow) and the number of expired entries dropped
// along the way. Replacing an existing key is not an eviction.
func (m *memoryStore[V]) insert(key string, value V, ttl, cost time.Duration,
	now time.Time) (evicted []*entry[V], expiredCount int, err error) {
	size := sizeEstimateOf(value)
	if m.maxEntries <= 0 || size > m.maxBytes {
		return nil, 0, ErrCannotFit
	}

	// An overwrite releases the previous entry's budget first.
	if prev, exists := m.entries[key]; exists {
		m.removeEntry(prev)
	}

	// Evict until the new entry fits under both ceilings.
	for len(m.entries)+1 > m.maxEntries || m.curBytes+size > m.maxBytes {
		if stale, found := m.expiredVictim(now); found {
			m.removeEntry(stale)
			expiredCount++
			continue
		}
		victimKey, found := m.strat.victim(m.entries)
		if !found {
			// The store is empty yet the ceilings still fail; the fit check above rules this out.
			utils.RaiseInvariant("storage", "eviction_on_empty_store",
				"Eviction loop ran on an empty store.", "key", key, "size", size)
			return evicted, expiredCount, ErrCannotFit
		}
		victim, exists := m.entries[victimKey]
		if !exists {
			utils.RaiseInvariant("storage", "victim_not_in_index",
				"Strategy selected a victim that is not in the index.", "victim", victimKey)
			m.strat.onRemove(victimKey)
			continue
		}
		m.removeEntry(victim)
		evicted = append(evicted, victim)
	}

	e := &entry[V]{key: key, value: value, createdAt: now, lastAccessedAt: now,
		ttl: ttl, sizeEstimate: size, cost: cost}
	m.entries[key] = e
	m.curBytes += size
	m.strat.onInsert(e)
	return evicted, expiredCount, nil
}

// remove deletes the key if present. Missing keys are a normal outcome, not an error.
func (m *memoryStore[V]) remove(key string) (*entry[V], bool) {
	e, exists := m.entries[key]
	if !exists {
		return nil, false
	}
	m.removeEntry(e)
	return e, true
}

// clear removes all entries and resets both the accounting and the strategy bookkeeping.
func (m *memoryStore[V]) clear() {
	for key := range m.entries {
		m.strat.onRemove(key)
	}
	m.entries = make(map[string]*entry[V])
	m.curBytes = 0
	m.strat.reset()
}

func (m *memoryStore[V]) len() int {
	return len(m.entries)
}

func (m *memoryStore[V]) bytes() int64 {
	return m.curBytes
}
