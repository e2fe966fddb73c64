package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMemoryOnlyCache builds a cache with no durable overflow and no default TTL, so tests that do
// not care about spilling or expiry get fully deterministic behavior.
func newMemoryOnlyCache[V any](name string, opts ...Option) *Cache[V] {
	base := []Option{WithFileCache(false), WithDefaultTTL(0)}
	return New[V](name, append(base, opts...)...)
}

func TestCache_SetAndGet(t *testing.T) {
	c := newMemoryOnlyCache[string]("roundtrip")
	require.NoError(t, c.Set("greeting", "hello"))

	value, found := c.Get("greeting")
	require.True(t, found)
	assert.Equal(t, "hello", value)

	_, found = c.Get("missing")
	assert.False(t, found)

	assert.Equal(t, "fallback", c.GetOrDefault("missing", "fallback"))
	assert.Equal(t, "hello", c.GetOrDefault("greeting", "fallback"))
}

func TestCache_LRUEvictionKeepsAccessedKey(t *testing.T) {
	c := newMemoryOnlyCache[int]("lru", WithMaxEntries(3), WithStrategy(StrategyLRU))
	require.NoError(t, c.Set("a", 1))
	require.NoError(t, c.Set("b", 2))
	require.NoError(t, c.Set("c", 3))

	// Touch `a` so `b` becomes the least recently used key.
	_, found := c.Get("a")
	require.True(t, found)

	require.NoError(t, c.Set("d", 4))
	assert.Equal(t, 3, c.Len())

	_, found = c.Get("a")
	assert.True(t, found, "The freshly accessed key must survive the eviction")
	_, found = c.Get("b")
	assert.False(t, found, "The least recently used key must be the one evicted")
	assert.Equal(t, []string{"a", "c", "d"}, c.Keys("*"))
}

func TestCache_Stats(t *testing.T) {
	c := newMemoryOnlyCache[int]("stats", WithMaxEntries(2))
	require.NoError(t, c.Set("a", 1))
	require.NoError(t, c.Set("b", 2))
	require.NoError(t, c.Set("c", 3)) // Evicts one entry.

	c.Get("c")       // Hit.
	c.Get("c")       // Hit.
	c.Get("missing") // Miss.

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(3), stats.Sets)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(0), stats.Expirations)
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)
	assert.Equal(t, 2, stats.MemoryEntries)
	assert.Positive(t, stats.MemoryBytes)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newMemoryOnlyCache[string]("expiry")
	require.NoError(t, c.SetTTL("ephemeral", "x", 50*time.Millisecond))
	require.NoError(t, c.SetTTL("durable", "y", 0 /*ttl*/)) // Never expires.

	_, found := c.Get("ephemeral")
	require.True(t, found, "The entry must be served within its TTL")

	time.Sleep(80 * time.Millisecond)

	_, found = c.Get("ephemeral")
	assert.False(t, found, "The entry must be gone after its TTL")
	_, found = c.Get("durable")
	assert.True(t, found, "A zero TTL means the entry never expires")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)
}

func TestCache_TTLPeek(t *testing.T) {
	c := newMemoryOnlyCache[string]("peek")
	require.NoError(t, c.SetTTL("timed", "x", time.Hour))
	require.NoError(t, c.SetTTL("forever", "y", 0))

	remaining, found := c.TTL("timed")
	require.True(t, found)
	assert.Greater(t, remaining, 59*time.Minute)
	assert.LessOrEqual(t, remaining, time.Hour)

	remaining, found = c.TTL("forever")
	require.True(t, found)
	assert.Equal(t, time.Duration(0), remaining)

	_, found = c.TTL("missing")
	assert.False(t, found)

	// Peeking is not a lookup: the request counters must not move.
	stats := c.Stats()
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestCache_Remove(t *testing.T) {
	c := newMemoryOnlyCache[int]("remove")
	require.NoError(t, c.Set("k", 1))

	assert.True(t, c.Remove("k"))
	assert.False(t, c.Remove("k"), "Removing an absent key reports false, not an error")
	_, found := c.Get("k")
	assert.False(t, found)
}

func TestCache_ClearKeepsCounters(t *testing.T) {
	c := newMemoryOnlyCache[int]("clear")
	require.NoError(t, c.Set("a", 1))
	c.Get("a")
	c.Get("missing")

	before := c.Stats()
	c.Clear()
	c.Clear() // Clearing an empty cache is a no-op.

	after := c.Stats()
	assert.Equal(t, 0, after.MemoryEntries)
	assert.Equal(t, int64(0), after.MemoryBytes)
	assert.Equal(t, before.Hits, after.Hits, "Clear must not reset the hit counter")
	assert.Equal(t, before.Misses, after.Misses, "Clear must not reset the miss counter")
	assert.Equal(t, after.Hits+after.Misses, after.TotalRequests)

	// The cache stays usable after a clear.
	require.NoError(t, c.Set("b", 2))
	_, found := c.Get("b")
	assert.True(t, found)
}

func TestCache_CannotFit(t *testing.T) {
	c := newMemoryOnlyCache[string]("toosmall", WithMaxEntries(10), WithMaxMemoryMB(16.0/float64(1<<20)))
	err := c.Set("big", string(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrCannotFit)
	assert.Zero(t, c.Stats().Sets, "A failed set must not count")
}

func TestCache_Keys(t *testing.T) {
	c := newMemoryOnlyCache[int]("keys")
	for _, key := range []string{"user:1", "user:2", "session:1"} {
		require.NoError(t, c.Set(key, 0))
	}

	assert.Equal(t, []string{"session:1", "user:1", "user:2"}, c.Keys("*"))
	assert.Equal(t, []string{"user:1", "user:2"}, c.Keys("user:*"))
	assert.Empty(t, c.Keys("order:*"))
}

func TestCache_OverflowPromotion(t *testing.T) {
	c := New[string]("promotion", WithMaxEntries(1), WithDefaultTTL(0),
		WithOverflowDir(t.TempDir()))
	defer func() { require.NoError(t, c.Close()) }()

	require.NoError(t, c.Set("first", "spilled value"))
	require.NoError(t, c.Set("second", "resident value")) // Evicts and spills `first`.

	// The spill runs on a background writer; give it a moment to land on disk.
	time.Sleep(200 * time.Millisecond)

	value, found := c.Get("first")
	require.True(t, found, "An overflow hit must be served, not reported as a miss")
	assert.Equal(t, "spilled value", value)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits, "An overflow hit counts as a hit")
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)

	// The promotion pushed `second` out in turn; a second lookup of `first` is now a memory hit.
	value, found = c.Get("first")
	require.True(t, found)
	assert.Equal(t, "spilled value", value)
}

func TestCache_OverflowDisabled(t *testing.T) {
	c := newMemoryOnlyCache[string]("nooverflow", WithMaxEntries(1))
	require.NoError(t, c.Set("first", "x"))
	require.NoError(t, c.Set("second", "y"))

	_, found := c.Get("first")
	assert.False(t, found, "Without the file cache an evicted entry is gone")
}

func TestCache_CloseRacesLookups(t *testing.T) {
	c := New[int]("closerace", WithMaxEntries(4), WithDefaultTTL(0), WithOverflowDir(t.TempDir()))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := range 500 {
				key := fmt.Sprintf("k%d", (w+i)%16)
				switch i % 4 {
				case 0:
					c.Set(key, i)
				case 1:
					c.Get(key)
				case 2:
					c.Remove(key)
				case 3:
					c.Clear()
				}
			}
		}()
	}
	close(start)
	require.NoError(t, c.Close()) // Closing mid-traffic must not race or panic.
	wg.Wait()

	// The cache stays usable in memory-only mode after the close.
	require.NoError(t, c.Set("after", 1))
	value, found := c.Get("after")
	require.True(t, found)
	assert.Equal(t, 1, value)
	stats := c.Stats()
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)
}

func TestCache_MemoryValueWinsOverOverflow(t *testing.T) {
	c := New[string]("memwins", WithMaxEntries(2), WithDefaultTTL(0), WithOverflowDir(t.TempDir()))
	defer func() { require.NoError(t, c.Close()) }()

	// Land a stale record on disk directly, then store a fresher value in memory.
	c.spill.persist(&entry[string]{key: "k", value: "stale", createdAt: time.Now()})
	require.NoError(t, c.Set("k", "fresh"))

	value, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, "fresh", value, "The in-memory value must win over a stale spilled record")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	const workers, perWorker = 8, 200
	c := newMemoryOnlyCache[int]("concurrent", WithMaxEntries(64))

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := fmt.Sprintf("k%d", (w*perWorker+i)%100)
				switch i % 3 {
				case 0:
					assert.NoError(t, c.Set(key, i))
				case 1:
					c.Get(key)
				case 2:
					c.Remove(key)
				}
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)
	assert.LessOrEqual(t, stats.MemoryEntries, 64)
}
