package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a generic in-process cache with LRU eviction and per-entry TTL.
// It backs the resolver's local tier, where a hit must also report how old
// the entry is so stale data can be flagged rather than silently served.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time

	hits   int64
	misses int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// NewLRU creates a cache holding at most capacity entries, each expiring
// ttl after its last write.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge returns the cached value and the time elapsed since it was
// written. Expired entries are evicted on lookup and reported as misses.
func (c *LRU[K, V]) GetWithAge(key K) (V, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, 0, false
	}

	e := elem.Value.(*entry[K, V])
	now := c.nowFn()
	if now.After(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return zero, 0, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, now.Sub(e.storedAt), true
}

// Put writes or refreshes an entry, resetting its age and expiry.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.storedAt = now
		e.expiresAt = now.Add(c.ttl)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&entry[K, V]{
		key:       key,
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(c.ttl),
	})
	c.items[key] = elem
}

// Delete removes an entry if present.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of entries, counting expired but not yet evicted ones.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counts since creation.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
