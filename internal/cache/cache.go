package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value  V
	stored time.Time
}

// TTLCache caches values per key for a bounded time window. Expired values
// stay readable as "last known" until pruned, so callers on the frame path
// can fall back to them instead of waiting for a fresh one.
type TTLCache[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[K]entry[V]
}

// NewTTLCache creates a cache whose entries are fresh for ttl. When more than
// maxEntries are stored the oldest entries are evicted; zero means unbounded.
func NewTTLCache[K comparable, V any](ttl time.Duration, maxEntries int) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[K]entry[V]),
	}
}

// Lookup returns the value stored for key. fresh is false when the value is
// older than the TTL; ok is false when nothing is stored.
func (c *TTLCache[K, V]) Lookup(key K, now time.Time) (value V, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return value, false, false
	}
	return e.value, now.Sub(e.stored) < c.ttl, true
}

// Set stores value for key at time now.
func (c *TTLCache[K, V]) Set(key K, value V, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, stored: now}
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Prune removes entries older than maxAge and returns how many were removed.
func (c *TTLCache[K, V]) Prune(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.stored) > maxAge {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Reset clears all entries.
func (c *TTLCache[K, V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len returns the number of stored entries, fresh or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *TTLCache[K, V]) evictOldest() {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.stored.Before(oldest) {
			oldestKey, oldest, found = k, e.stored, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
