// The registry is the process-wide mapping from namespace name to cache instance. Instances are
// created lazily on first lookup and live until the process exits or the registry is reset.

package cache

import (
	"log/slog"
	"sync"
)

var (
	registryMux sync.RWMutex
	registry    = make(map[string]*Cache[any])
)

// Lookup returns the named cache, creating it on first use with the given options. Concurrent
// first lookups for the same name are race-safe and receive the same instance; options only take
// effect on the call that actually creates the cache.
func Lookup(name string, opts ...Option) *Cache[any] {
	registryMux.RLock()
	c, exists := registry[name]
	registryMux.RUnlock()
	if exists {
		return c
	}

	registryMux.Lock()
	defer registryMux.Unlock()
	if c, exists := registry[name]; exists { // Double check after the lock upgrade.
		return c
	}
	c = New[any](name, opts...)
	registry[name] = c
	return c
}

// Reset clears, closes, and drops every registered cache. It exists for test isolation and for
// orderly shutdown; a subsequent Lookup starts from a fresh instance.
func Reset() {
	registryMux.Lock()
	defer registryMux.Unlock()
	for name, c := range registry {
		c.Clear()
		if err := c.Close(); err != nil {
			slog.Error("Failed to close cache during registry reset.", "cache", name, "error", err)
		}
	}
	registry = make(map[string]*Cache[any])
}
