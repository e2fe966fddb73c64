package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_ReturnsSameInstance(t *testing.T) {
	t.Cleanup(Reset)

	first := Lookup("shared", WithFileCache(false))
	second := Lookup("shared", WithFileCache(false))
	assert.Same(t, first, second, "Lookups for the same name must share one instance")

	other := Lookup("other", WithFileCache(false))
	assert.NotSame(t, first, other)
}

func TestLookup_OptionsApplyOnFirstLookupOnly(t *testing.T) {
	t.Cleanup(Reset)

	first := Lookup("opts", WithFileCache(false), WithMaxEntries(1), WithDefaultTTL(0))
	require.NoError(t, first.Set("a", 1))
	require.NoError(t, first.Set("b", 2)) // Evicts `a` under the one-entry ceiling.

	// A later lookup with different options still returns the original one-entry cache.
	second := Lookup("opts", WithFileCache(false), WithMaxEntries(100))
	assert.Same(t, first, second)
	assert.Equal(t, 1, second.Len())
}

func TestLookup_StateIsSharedAcrossLookups(t *testing.T) {
	t.Cleanup(Reset)

	require.NoError(t, Lookup("state", WithFileCache(false)).Set("k", "v"))
	value, found := Lookup("state", WithFileCache(false)).Get("k")
	require.True(t, found)
	assert.Equal(t, "v", value)
}

func TestLookup_Concurrent(t *testing.T) {
	t.Cleanup(Reset)

	const callers = 16
	var wg sync.WaitGroup
	instances := make([]*Cache[any], callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instances[i] = Lookup("racy", WithFileCache(false))
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, instances[0], instances[i], "Racing first lookups must agree on one instance")
	}
}

func TestReset_DropsAllCaches(t *testing.T) {
	first := Lookup("resettable", WithFileCache(false))
	require.NoError(t, first.Set("k", 1))

	Reset()

	recreated := Lookup("resettable", WithFileCache(false))
	assert.NotSame(t, first, recreated, "A lookup after reset must build a fresh instance")
	_, found := recreated.Get("k")
	assert.False(t, found)
	t.Cleanup(Reset)
}
