package cache

import "sync"

// CounterCache keeps a per-key counter, used for bounded retry accounting
type CounterCache struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewCounterCache creates a new CounterCache
func NewCounterCache() *CounterCache {
	return &CounterCache{
		counts: make(map[string]int),
	}
}

// Get returns the counter for key
func (c *CounterCache) Get(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[key]
}

// Inc increments the counter for key and returns the new value
func (c *CounterCache) Inc(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key]
}

// Delete removes the counter for key
func (c *CounterCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
}

// Len returns the number of tracked keys
func (c *CounterCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.counts)
}

// Reset clears all counters
func (c *CounterCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}
