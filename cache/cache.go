// Package cache provides a small in-memory value cache with per-cache TTL.
//
// Freshness is evaluated lazily at read time, and stale entries are still
// returned (flagged) so callers can fall back to the last known value when a
// refresh fails. This is deliberately different from an evicting TTL cache:
// expiry here never deletes; only Invalidate does.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value together with the time it was stored.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
}

// TimedCache caches values with a single TTL applied to every entry.
type TimedCache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[K]Entry[V]
}

// Option configures a TimedCache.
type Option[K comparable, V any] func(*TimedCache[K, V])

// WithNow sets the time function for testing.
func WithNow[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TimedCache[K, V]) {
		c.now = now
	}
}

// New creates a TimedCache with the given TTL. A zero TTL means entries are
// never reported fresh.
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TimedCache[K, V] {
	c := &TimedCache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]Entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, whether it is still fresh, and
// whether it was present at all. Never blocks; never triggers a fetch.
func (c *TimedCache[K, V]) Get(key K) (value V, fresh, ok bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return value, false, false
	}
	return entry.Value, c.now().Sub(entry.StoredAt) < c.ttl, true
}

// Set stores value under key, stamped with the current time. Existing
// entries are overwritten whole.
func (c *TimedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, StoredAt: c.now()}
	c.mu.Unlock()
}

// Mutate applies fn to the entry's value, preserving its timestamp. Used for
// optimistic local deltas that must not extend the entry's freshness window.
// Returns false when key is absent.
func (c *TimedCache[K, V]) Mutate(key K, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	entry.Value = fn(entry.Value)
	c.entries[key] = entry
	return true
}

// Invalidate removes the entry for key entirely, so a subsequent Get is a
// hard miss rather than a stale hit.
func (c *TimedCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll removes every entry.
func (c *TimedCache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]Entry[V])
	c.mu.Unlock()
}

// Len returns the number of entries, fresh or stale.
func (c *TimedCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
