package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_PutGet(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_TTLExpiry(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, int](4, time.Minute)
	c.nowFn = func() time.Time { return now }

	c.Put("a", 1)

	now = now.Add(59 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry expired")
	assert.Equal(t, 0, c.Len(), "expired entry evicted on lookup")
}

func TestLRU_GetWithAge(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, int](4, time.Hour)
	c.nowFn = func() time.Time { return now }

	c.Put("a", 1)
	now = now.Add(10 * time.Minute)

	v, age, ok := c.GetWithAge("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 10*time.Minute, age)
}

func TestLRU_PutRefreshesAgeAndExpiry(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, int](4, time.Minute)
	c.nowFn = func() time.Time { return now }

	c.Put("a", 1)
	now = now.Add(50 * time.Second)
	c.Put("a", 2)

	now = now.Add(30 * time.Second)
	v, age, ok := c.GetWithAge("a")
	require.True(t, ok, "rewrite reset the expiry clock")
	assert.Equal(t, 2, v)
	assert.Equal(t, 30*time.Second, age)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_Delete(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)

	c.Put("a", 1)
	c.Delete("a")
	c.Delete("never-there")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
