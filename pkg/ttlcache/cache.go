// Package ttlcache provides a concurrent map whose entries expire a fixed
// duration after they were written.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache stores values for at most ttl. Expired entries are never returned,
// even before the background sweep removes them.
type Cache[K comparable, V any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[K]entry[V]

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option customises a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides the time source.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a cache and starts its sweep loop. A non-positive sweep
// interval disables the loop; expired entries are then dropped lazily.
func New[K comparable, V any](ttl, sweepInterval time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the cached value when present and younger than the ttl.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.expired(e, c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, resetting its age.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweep loop. It is safe to call more than once.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache[K, V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.storedAt) >= c.ttl
}

func (c *Cache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}
