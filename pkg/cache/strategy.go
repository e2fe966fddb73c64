// Eviction is delegated to a strategy chosen at construction time. A strategy observes inserts,
// accesses, and removals, and when the store is over one of its ceilings it names the next victim.
// Every removal path (explicit remove, eviction, expiration) must reach onRemove, or the
// strategy-internal bookkeeping leaks state.
//
// All strategies break ties on their primary metric by the earliest creation time, then by key.
// That makes victim selection a total order, so eviction is deterministic regardless of
// insertion timing.

package cache

import (
	"flag"

	"github.com/nobletooth/mango/pkg/utils"
)

// StrategyKind names one of the supported eviction strategies.
type StrategyKind string

const (
	StrategyLRU              StrategyKind = "lru"
	StrategyLFU              StrategyKind = "lfu"
	StrategyTTL              StrategyKind = "ttl"
	StrategyAdaptive         StrategyKind = "adaptive"
	StrategyPerformanceAware StrategyKind = "performance_aware"
)

var adaptiveRecencyWeight = flag.Float64("cache_adaptive_recency_weight", 0.5,
	"Weight of the recency rank in the adaptive strategy score; frequency gets the complement.")

// strategy decides which entry to evict when a storage ceiling is exceeded.
// Implementations are not thread-safe; the owning cache serializes all calls.
type strategy[V any] interface {
	// onInsert is called once for every freshly inserted entry, which counts as an access.
	onInsert(e *entry[V])
	// onAccess is called on every successful lookup of the entry.
	onAccess(e *entry[V])
	// onRemove is called whenever a key leaves the store, regardless of the removal path.
	onRemove(key string)
	// victim returns the key to evict next, given the current entry set.
	// It returns false only when the store is empty.
	victim(entries map[string]*entry[V]) (string, bool)
	// reset drops all strategy-internal bookkeeping.
	reset()
}

// newStrategy builds the strategy implementation for the given kind.
// An unknown kind is an invariant violation and falls back to LRU.
func newStrategy[V any](kind StrategyKind) strategy[V] {
	switch kind {
	case StrategyLRU:
		return newLRUStrategy[V]()
	case StrategyLFU:
		return &lfuStrategy[V]{}
	case StrategyTTL:
		return &ttlStrategy[V]{}
	case StrategyAdaptive:
		return &adaptiveStrategy[V]{recencyWeight: *adaptiveRecencyWeight}
	case StrategyPerformanceAware:
		return &performanceAwareStrategy[V]{}
	default:
		utils.RaiseInvariant("strategy", "unknown_strategy_kind",
			"Got an unknown eviction strategy kind, falling back to LRU.", "kind", kind)
		return newLRUStrategy[V]()
	}
}

// olderThan reports whether entry `a` must be preferred over `b` as a victim when their primary
// metric ties: the earliest created entry wins, with the key ordering as the final tie-break.
func olderThan[V any](a, b *entry[V]) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.key < b.key
}

// scanVictim walks the entry set and returns the key with the lowest score.
// Scores tie-break through olderThan, so the result is deterministic.
func scanVictim[V any](entries map[string]*entry[V], score func(*entry[V]) float64) (string, bool) {
	var best *entry[V]
	bestScore := 0.0
	for _, e := range entries {
		s := score(e)
		if best == nil || s < bestScore || (s == bestScore && olderThan(e, best)) {
			best = e
			bestScore = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.key, true
}

// lfuStrategy evicts the least frequently used entry. The access count lives on the entry itself,
// so no per-access bookkeeping is needed here.
type lfuStrategy[V any] struct{} // Implements strategy.

func (s *lfuStrategy[V]) onInsert(*entry[V]) {}
func (s *lfuStrategy[V]) onAccess(*entry[V]) {}
func (s *lfuStrategy[V]) onRemove(string)    {}
func (s *lfuStrategy[V]) reset()             {}

func (s *lfuStrategy[V]) victim(entries map[string]*entry[V]) (string, bool) {
	return scanVictim(entries, func(e *entry[V]) float64 { return float64(e.accessCount) })
}

// ttlStrategy evicts the entry closest to its expiry, ignoring access patterns entirely.
// Entries without a TTL are ranked after every expirable entry.
type ttlStrategy[V any] struct{} // Implements strategy.

func (s *ttlStrategy[V]) onInsert(*entry[V]) {}
func (s *ttlStrategy[V]) onAccess(*entry[V]) {}
func (s *ttlStrategy[V]) onRemove(string)    {}
func (s *ttlStrategy[V]) reset()             {}

func (s *ttlStrategy[V]) victim(entries map[string]*entry[V]) (string, bool) {
	var best *entry[V]
	for _, e := range entries {
		if best == nil || expiresBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.key, true
}

// expiresBefore ranks entries by absolute expiry time: expirable entries come before non-expirable
// ones, and exact deadline ties fall back to olderThan. Deadlines compare as times rather than
// float scores, so nanosecond-apart expiries still rank correctly.
func expiresBefore[V any](a, b *entry[V]) bool {
	aDeadline, aExpirable := a.expiresAt()
	bDeadline, bExpirable := b.expiresAt()
	if aExpirable != bExpirable {
		return aExpirable
	}
	if aExpirable && !aDeadline.Equal(bDeadline) {
		return aDeadline.Before(bDeadline)
	}
	return olderThan(a, b)
}

// performanceAwareStrategy evicts like LFU but biases retention toward entries that were
// expensive to construct, so a cheap-to-recompute value goes first among equally used ones.
type performanceAwareStrategy[V any] struct{} // Implements strategy.

func (s *performanceAwareStrategy[V]) onInsert(*entry[V]) {}
func (s *performanceAwareStrategy[V]) onAccess(*entry[V]) {}
func (s *performanceAwareStrategy[V]) onRemove(string)    {}
func (s *performanceAwareStrategy[V]) reset()             {}

func (s *performanceAwareStrategy[V]) victim(entries map[string]*entry[V]) (string, bool) {
	return scanVictim(entries, func(e *entry[V]) float64 {
		return float64(e.accessCount+1) * (1.0 + e.cost.Seconds())
	})
}
