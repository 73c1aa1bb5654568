// Package credential issues per-(identity, room) media credentials with a
// read-through, time-bounded cache in front of the token endpoint.
package credential

import (
	"sync"
	"time"
)

const DefaultTTL = time.Hour

type key struct {
	identity string
	room     string
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Cache maps (identity, room) to a token until it expires. The zero value is
// not usable; use NewCache.
type Cache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[key]entry
}

// NewCache returns an empty cache. clock may be nil (time.Now).
func NewCache(ttl time.Duration, clock func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Cache{ttl: ttl, clock: clock, entries: make(map[key]entry)}
}

// Get returns the token if present and not expired. Expired entries are evicted.
func (c *Cache) Get(identity, room string) (string, bool) {
	k := key{identity: identity, room: room}
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return "", false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, k)
		return "", false
	}
	return e.token, true
}

// Put stores token with expiresAt = now + ttl.
func (c *Cache) Put(identity, room, token string) {
	if token == "" {
		return
	}
	exp := c.clock().Add(c.ttl)
	c.mu.Lock()
	c.entries[key{identity: identity, room: room}] = entry{token: token, expiresAt: exp}
	c.mu.Unlock()
}

func (c *Cache) Invalidate(identity, room string) {
	c.mu.Lock()
	delete(c.entries, key{identity: identity, room: room})
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
