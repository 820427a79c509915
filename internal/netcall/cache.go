package netcall

import (
	"sync"
	"time"
)

// cacheEntry holds one successfully fetched value.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// ttlCache is a thread-safe in-memory cache of fetched values keyed by call key.
// Entries are removed when a lookup finds them expired or when a writer
// explicitly forgets them.
type ttlCache[T any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
	now     func() time.Time
}

func newTTLCache[T any](now func() time.Time) *ttlCache[T] {
	return &ttlCache[T]{
		entries: make(map[string]*cacheEntry[T]),
		now:     now,
	}
}

// get returns the live value for key, discarding it if it has expired.
func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// set stores value under key, overwriting any previous entry.
func (c *ttlCache[T]) set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry[T]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

func (c *ttlCache[T]) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// len returns the number of cached entries (including expired ones not yet looked up).
func (c *ttlCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
