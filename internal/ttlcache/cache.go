// ABOUTME: Thread-safe TTL cache with size-bounded insertion-order eviction.
// ABOUTME: Backs the agent's class-loaded snapshot and the registry's metadata cache.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the value, its timestamp, and list element for a cached key.
type entry[K comparable, V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited key/value cache.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[K, V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size. If
// cleanupInterval is positive a background goroutine sweeps expired entries
// on that period; otherwise callers are expected to call Sweep themselves.
func New[K comparable, V any](ttl time.Duration, maxSize int, cleanupInterval time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:   make(map[K]*entry[K, V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanup(cleanupInterval)
	}
	return c
}

// Get returns the cached value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.now().Sub(e.timestamp) >= c.ttl {
		return zero, false
	}
	return e.value, true
}

// Set stores a value. If the cache is at capacity the oldest entry is
// evicted to make room.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// GetOrLoad returns the cached value, or calls load and caches its result.
// Errors from load are returned and nothing is cached.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// setLocked is the internal set implementation. Must be called with mu held.
func (c *Cache[K, V]) setLocked(key K, value V) {
	now := c.now()

	// If key already exists, update timestamp and move to back
	if e, exists := c.items[key]; exists {
		e.value = value
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.items[key] = &entry[K, V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache[K, V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(K)
	c.order.Remove(front)
	delete(c.items, key)
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*entry[K, V])
	c.order.Init()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[K, V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.items {
		if now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
