// Memoization wraps a pure function so its results are served from a cache namespace, keyed by a
// stable serialization of the argument. Concurrent calls for the same key are collapsed into a
// single execution through singleflight, so a thundering herd recomputes a value at most once.

package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

type memoSettings struct {
	ttl    time.Duration
	hasTTL bool
	keyFn  func(arg any) string
}

// MemoOption configures a memoized function wrapper.
type MemoOption func(*memoSettings)

// WithTTL overrides the cache's default TTL for memoized results.
func WithTTL(ttl time.Duration) MemoOption {
	return func(s *memoSettings) { s.ttl = ttl; s.hasTTL = true }
}

// WithKeyFunc replaces the default argument serialization with a caller-supplied key derivation.
func WithKeyFunc(fn func(arg any) string) MemoOption {
	return func(s *memoSettings) { s.keyFn = fn }
}

// memoKey derives a stable cache key from the argument's printed representation.
// Hashing keeps keys short regardless of the argument size.
func memoKey(arg any) string {
	return fmt.Sprintf("memo:%016x", xxhash.Sum64String(fmt.Sprintf("%#v", arg)))
}

// Func returns a memoized version of fn backed by the given cache. The time fn takes to produce a
// value is recorded as the entry's construction cost, which the performance-aware strategy uses
// to bias retention. Errors are returned to the caller and never cached.
func Func[A any, V any](c *Cache[V], fn func(A) (V, error), opts ...MemoOption) func(A) (V, error) {
	s := memoSettings{keyFn: memoKey}
	for _, opt := range opts {
		opt(&s)
	}
	ttl := c.defaultTTL
	if s.hasTTL {
		ttl = s.ttl
	}

	var flight singleflight.Group
	return func(arg A) (V, error) {
		key := s.keyFn(arg)
		if value, found := c.Get(key); found {
			return value, nil
		}

		result, err, _ := flight.Do(key, func() (any, error) {
			// A call that lost the flight race may find the value already cached.
			if value, found := c.Get(key); found {
				return value, nil
			}
			start := time.Now()
			value, err := fn(arg)
			if err != nil {
				return nil, err
			}
			if setErr := c.set(key, value, ttl, time.Since(start)); setErr != nil {
				// The computed value is still returned; it just won't be served from cache.
				slog.Warn("Failed to cache memoized result.", "cache", c.name, "key", key, "error", setErr)
			}
			return value, nil
		})
		if err != nil {
			var zero V
			return zero, err
		}
		return result.(V), nil
	}
}
