// Package idempotency provides the short-lived result cache that lets
// tool callers retry without re-executing side-effecting work. Entries
// are keyed by (session key, idempotency key) and expire lazily.
package idempotency

import (
	"sync"
	"time"
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// Cache stores response bodies for replay. Safe for concurrent use;
// operations complete in constant time with no I/O.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(sessionKey, idemKey string) string {
	return sessionKey + ":" + idemKey
}

// Lookup returns the cached body for the pair, byte-identical to what
// was stored. An expired entry is evicted and reported as a miss,
// freeing the pair for reuse.
func (c *Cache) Lookup(sessionKey, idemKey string) ([]byte, bool) {
	if idemKey == "" {
		return nil, false
	}
	k := key(sessionKey, idemKey)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return nil, false
	}

	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body, true
}

// Store caches the body for the pair until ttl elapses. The body is
// copied, so later caller mutations don't leak into the cache.
func (c *Cache) Store(sessionKey, idemKey string, body []byte, ttl time.Duration) {
	if idemKey == "" || ttl <= 0 {
		return
	}
	stored := make([]byte, len(body))
	copy(stored, body)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(sessionKey, idemKey)] = &entry{
		body:      stored,
		expiresAt: c.now().Add(ttl),
	}
}

// Sweep evicts all expired entries. Lazy eviction on Lookup already
// keeps semantics correct; sweeping bounds memory between lookups.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
