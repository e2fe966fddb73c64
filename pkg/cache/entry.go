// A cache entry is created only by the in-memory store on insert; after that, only its access
// bookkeeping (last access time and access count) changes, and both change through `touch` alone.
// Keeping every other field immutable is what lets the size and eviction accounting stay exact.

package cache

import (
	"fmt"
	"time"
)

// entry is a single stored key-value pair plus the metadata the eviction strategies need.
type entry[V any] struct {
	key            string
	value          V
	createdAt      time.Time
	lastAccessedAt time.Time
	ttl            time.Duration // Zero means the entry never expires.
	accessCount    uint64        // Monotonic; only touch increments it.
	sizeEstimate   int64         // Approximate bytes, computed once at insertion.
	cost           time.Duration // Construction cost, if the caller supplied one.
}

// touch records an access. It is the only mutation path for lastAccessedAt and accessCount.
func (e *entry[V]) touch(now time.Time) {
	e.lastAccessedAt = now
	e.accessCount++
}

// expired reports whether the entry has outlived its TTL at the given instant.
func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// expiresAt returns the absolute expiry time and whether the entry expires at all.
func (e *entry[V]) expiresAt() (time.Time, bool) {
	if e.ttl <= 0 {
		return time.Time{}, false
	}
	return e.createdAt.Add(e.ttl), true
}

// sizeEstimateOf computes the approximate in-memory footprint of a value in bytes.
// Variable-length types are measured by their length, fixed-width numerics by their width.
// As a fallback for other types (like structs), the printed representation length is used,
// which is less precise but works for any value.
func sizeEstimateOf(v any) int64 {
	const wordSize = 8
	switch x := v.(type) {
	case nil:
		return wordSize
	case string:
		return int64(len(x)) + wordSize
	case []byte:
		return int64(len(x)) + wordSize
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, uint, int64, uint64, float64, time.Duration:
		return wordSize
	default:
		return int64(len(fmt.Sprintf("%#v", x))) + wordSize
	}
}
