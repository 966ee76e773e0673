// Package seen implements a time-bounded cache of keys already observed.
//
// The sink records every (source, sequence) pair it accepts. When both relays
// forward the same original, the second copy finds the pair present and is
// counted as a duplicate rather than a distinct reading.
//
// Sequences wrap every 256 emissions, so the expiry must be shorter than
// 256 × the source interval or a genuinely new reading would be mistaken for
// an old one.
//
// The cache has no clock of its own. Every call carries the caller's now, and
// expired entries are pruned from inside Add on that same timeline.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 5 * time.Minute

// Cache is a concurrent-safe expiring set.
type Cache[K comparable] struct {
	mu        sync.Mutex
	entries   map[K]time.Time
	expiry    time.Duration
	nextPrune time.Time
}

// New creates a Cache with the given expiry duration.
func New[K comparable](expiry time.Duration) *Cache[K] {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Cache[K]{
		entries: make(map[K]time.Time),
		expiry:  expiry,
	}
}

// Expiry returns how long an added key stays present.
func (c *Cache[K]) Expiry() time.Duration {
	return c.expiry
}

// Has reports whether key was added and has not expired at now.
func (c *Cache[K]) Has(key K, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Add records key as of now.
// Returns true if the key was not present (i.e. this is a first sighting).
func (c *Cache[K]) Add(key K, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.nextPrune) {
		c.prune(now)
		c.nextPrune = now.Add(c.expiry / 2)
	}
	if exp, ok := c.entries[key]; ok && !now.After(exp) {
		return false
	}
	c.entries[key] = now.Add(c.expiry)
	return true
}

// Len returns the current number of cached entries.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune drops entries expired at now. Callers hold mu.
func (c *Cache[K]) prune(now time.Time) {
	for key, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, key)
		}
	}
}
