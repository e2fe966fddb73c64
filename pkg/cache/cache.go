// Mango keeps one Cache per named namespace: a memory-and-size-bounded map with a pluggable
// eviction strategy, optional durable overflow for capacity-evicted entries, and usage counters.
// All mutations of the in-memory state run under a single per-namespace lock that also covers the
// strategy bookkeeping; overflow disk I/O always happens outside that lock.

package cache

import (
	"errors"
	"flag"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/mango/pkg/scan"
	"github.com/nobletooth/mango/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	maxEntriesFlag = flag.Int("cache_max_entries", 1000,
		"The maximum number of entries a cache namespace holds in memory.")
	maxMemoryMBFlag = flag.Float64("cache_max_memory_mb", 100.0,
		"The maximum estimated in-memory size of a cache namespace, in mebibytes.")
	defaultTTLFlag = flag.Duration("cache_default_ttl", time.Hour,
		"The TTL applied to entries set without an explicit TTL; 0 disables expiry.")
	strategyFlag = flag.String("cache_strategy", string(StrategyLRU),
		"The eviction strategy: lru/lfu/ttl/adaptive/performance_aware.")
	fileCacheEnabledFlag = flag.Bool("enable_file_cache", true,
		"Enable the durable overflow file for capacity-evicted entries.")
	fileCacheDirFlag = flag.String("file_cache_dir", "./cachedata",
		"Directory holding the per-namespace overflow files.")

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"cache", "status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of entries evicted to satisfy a capacity ceiling.",
	}, []string{"cache"})
	cacheExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_expirations_total",
		Help: "Total number of entries dropped because their TTL elapsed.",
	}, []string{"cache"})
)

// settings holds the per-namespace configuration, seeded from flags and overridden by options.
type settings struct {
	maxEntries  int
	maxBytes    int64
	defaultTTL  time.Duration
	strategy    StrategyKind
	fileCache   bool
	overflowDir string
}

func settingsFromFlags() settings {
	return settings{
		maxEntries:  *maxEntriesFlag,
		maxBytes:    int64(*maxMemoryMBFlag * float64(1<<20)),
		defaultTTL:  *defaultTTLFlag,
		strategy:    StrategyKind(*strategyFlag),
		fileCache:   *fileCacheEnabledFlag,
		overflowDir: *fileCacheDirFlag,
	}
}

// Option overrides one flag-seeded setting for a single cache instance.
type Option func(*settings)

// WithMaxEntries caps the number of in-memory entries.
func WithMaxEntries(n int) Option {
	return func(s *settings) { s.maxEntries = n }
}

// WithMaxMemoryMB caps the estimated in-memory size in mebibytes.
func WithMaxMemoryMB(mb float64) Option {
	return func(s *settings) { s.maxBytes = int64(mb * float64(1<<20)) }
}

// WithDefaultTTL sets the TTL used by Set; zero disables expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) { s.defaultTTL = ttl }
}

// WithStrategy picks the eviction strategy.
func WithStrategy(kind StrategyKind) Option {
	return func(s *settings) { s.strategy = kind }
}

// WithFileCache toggles the durable overflow.
func WithFileCache(enabled bool) Option {
	return func(s *settings) { s.fileCache = enabled }
}

// WithOverflowDir overrides the overflow file directory.
func WithOverflowDir(dir string) Option {
	return func(s *settings) { s.overflowDir = dir }
}

// Stats is a point-in-time snapshot of a cache's usage counters.
// TotalRequests == Hits + Misses holds for every snapshot.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Sets          uint64
	Evictions     uint64
	Expirations   uint64
	TotalRequests uint64
	MemoryEntries int
	MemoryBytes   int64
}

// Cache is the public façade of one cache namespace.
type Cache[V any] struct {
	name       string
	defaultTTL time.Duration

	mux   sync.Mutex // Covers store, strategy bookkeeping, and the stat counters below.
	store *memoryStore[V]
	spill *overflow[V] // Nil when the file cache is disabled.

	hits, misses, sets, evictions, expirations, totalRequests uint64
}

// New creates a cache namespace. The eviction strategy is fixed for the cache's lifetime.
// A failure to open the overflow file disables the overflow but never fails construction,
// since durability is best effort.
func New[V any](name string, opts ...Option) *Cache[V] {
	s := settingsFromFlags()
	for _, opt := range opts {
		opt(&s)
	}

	c := &Cache[V]{
		name:       name,
		defaultTTL: s.defaultTTL,
		store:      newMemoryStore(newStrategy[V](s.strategy), s.maxEntries, s.maxBytes),
	}
	if s.fileCache {
		ovf, err := newOverflow[V](s.overflowDir, name)
		if err != nil {
			slog.Error("Failed to open overflow file, continuing without the file cache.",
				"cache", name, "error", err)
		} else {
			c.spill = ovf
		}
	}
	return c
}

// Name returns the namespace identifier.
func (c *Cache[V]) Name() string {
	return c.name
}

// checkStatsLocked re-checks the request accounting invariant on every lookup.
func (c *Cache[V]) checkStatsLocked() {
	if c.totalRequests != c.hits+c.misses {
		utils.RaiseInvariant("cache", "request_accounting_drift",
			"Total requests diverged from hits plus misses.",
			"cache", c.name, "total", c.totalRequests, "hits", c.hits, "misses", c.misses)
	}
}

// spillEntries hands capacity-evicted, still-valid entries to the overflow writer. The spill
// pointer must have been captured under the cache mutex, since Close nils out c.spill.
func (c *Cache[V]) spillEntries(spill *overflow[V], evicted []*entry[V], now time.Time) {
	if spill == nil {
		return
	}
	for _, e := range evicted {
		if !e.expired(now) {
			spill.enqueue(e)
		}
	}
}

// Get returns the value for the key. On an in-memory miss the durable overflow is consulted
// before declaring a true miss; a durable hit is promoted back into memory under the normal
// capacity rules and still counts as a hit. The request counter moves exactly once per call.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mux.Lock()
	e, hit, wasExpired := c.store.get(key, now)
	if hit {
		c.hits++
		c.totalRequests++
		c.checkStatsLocked()
		value := e.value
		c.mux.Unlock()
		cacheLookups.WithLabelValues(c.name, "hit").Inc()
		return value, true
	}
	if wasExpired {
		c.expirations++
		cacheExpirations.WithLabelValues(c.name).Inc()
	}
	spill := c.spill // Captured under the lock; a concurrent Close nils out c.spill.
	if spill == nil {
		c.misses++
		c.totalRequests++
		c.checkStatsLocked()
		c.mux.Unlock()
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}
	c.mux.Unlock()

	// The disk lookup runs outside the lock; memory and disk are only eventually consistent.
	value, remainingTTL, found := spill.get(key, now)

	c.mux.Lock()
	// A concurrent set may have landed the key while the disk lookup ran; the fresher in-memory
	// value wins over the stale spilled one.
	if e, hit, _ := c.store.get(key, now); hit {
		c.hits++
		c.totalRequests++
		c.checkStatsLocked()
		memValue := e.value
		c.mux.Unlock()
		cacheLookups.WithLabelValues(c.name, "hit").Inc()
		return memValue, true
	}
	var spilled []*entry[V]
	if found {
		evicted, expiredCount, err := c.store.insert(key, value, remainingTTL, 0 /*cost*/, now)
		if err != nil && !errors.Is(err, ErrCannotFit) {
			utils.RaiseInvariant("cache", "unexpected_insert_error",
				"Promoting an overflow hit failed unexpectedly.", "cache", c.name, "error", err)
		}
		c.evictions += uint64(len(evicted))
		c.expirations += uint64(expiredCount)
		cacheEvictions.WithLabelValues(c.name).Add(float64(len(evicted)))
		cacheExpirations.WithLabelValues(c.name).Add(float64(expiredCount))
		c.hits++
		spilled = evicted
	} else {
		c.misses++
	}
	c.totalRequests++
	c.checkStatsLocked()
	c.mux.Unlock()

	c.spillEntries(spill, spilled, now)
	if found {
		cacheLookups.WithLabelValues(c.name, "hit").Inc()
		return value, true
	}
	cacheLookups.WithLabelValues(c.name, "miss").Inc()
	return zero, false
}

// GetOrDefault returns the value for the key, or `def` on a miss.
func (c *Cache[V]) GetOrDefault(key string, def V) V {
	if value, found := c.Get(key); found {
		return value
	}
	return def
}

// Set stores the value under the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) error {
	return c.set(key, value, c.defaultTTL, 0 /*cost*/)
}

// SetTTL stores the value with an explicit TTL; a zero TTL means the entry never expires.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) error {
	return c.set(key, value, ttl, 0 /*cost*/)
}

func (c *Cache[V]) set(key string, value V, ttl, cost time.Duration) error {
	now := time.Now()

	c.mux.Lock()
	evicted, expiredCount, err := c.store.insert(key, value, ttl, cost, now)
	if err != nil {
		c.mux.Unlock()
		return err
	}
	c.sets++
	c.evictions += uint64(len(evicted))
	c.expirations += uint64(expiredCount)
	spill := c.spill
	c.mux.Unlock()

	cacheEvictions.WithLabelValues(c.name).Add(float64(len(evicted)))
	cacheExpirations.WithLabelValues(c.name).Add(float64(expiredCount))
	c.spillEntries(spill, evicted, now)
	return nil
}

// Remove deletes the key from memory and from the overflow. It returns true if the key was held
// anywhere; a missing key is a normal outcome, not an error.
func (c *Cache[V]) Remove(key string) bool {
	c.mux.Lock()
	_, removed := c.store.remove(key)
	spill := c.spill
	c.mux.Unlock()

	if spill != nil && spill.remove(key) {
		removed = true
	}
	return removed
}

// Clear drops every entry and the overflow file contents. The usage counters are kept, so hit and
// miss totals stay monotonic across clears. Clearing an empty cache is a no-op.
func (c *Cache[V]) Clear() {
	c.mux.Lock()
	c.store.clear()
	spill := c.spill
	c.mux.Unlock()

	if spill != nil {
		spill.clear()
	}
}

// Stats returns a point-in-time snapshot of the usage counters.
func (c *Cache[V]) Stats() Stats {
	c.mux.Lock()
	defer c.mux.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Sets:          c.sets,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		TotalRequests: c.totalRequests,
		MemoryEntries: c.store.len(),
		MemoryBytes:   c.store.bytes(),
	}
}

// Len returns the number of live in-memory entries.
func (c *Cache[V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.store.len()
}

// TTL peeks at the remaining lifetime of a key without counting as an access.
// It returns (0, true) for a live entry that never expires and false for absent or expired keys.
func (c *Cache[V]) TTL(key string) (time.Duration, bool) {
	now := time.Now()
	c.mux.Lock()
	defer c.mux.Unlock()
	e, exists := c.store.entries[key]
	if !exists || e.expired(now) {
		return 0, false
	}
	deadline, expirable := e.expiresAt()
	if !expirable {
		return 0, true
	}
	return deadline.Sub(now), true
}

// Keys returns the in-memory keys matching the glob pattern, sorted for determinism.
// Use "*" to list everything.
func (c *Cache[V]) Keys(pattern string) []string {
	c.mux.Lock()
	keys := make([]string, 0, c.store.len())
	for key := range c.store.entries {
		keys = append(keys, key)
	}
	c.mux.Unlock()

	matched := slices.Collect(scan.MatchKeys(pattern, slices.Values(keys)))
	slices.Sort(matched)
	return matched
}

// Close stops the overflow writer and releases its file. The in-memory cache stays usable,
// but nothing spills to disk afterwards.
func (c *Cache[V]) Close() error {
	c.mux.Lock()
	spill := c.spill
	c.spill = nil
	c.mux.Unlock()

	if spill == nil {
		return nil
	}
	return spill.close()
}
