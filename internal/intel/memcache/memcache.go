// Package memcache provides an in-process TTL implementation of intel.Cache.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/halcyonlabs/sentinel/internal/intel"
)

type entry struct {
	rep       intel.Reputation
	expiresAt time.Time
}

// Cache holds reputations in memory with per-entry expiry. Suitable for
// single-instance deployments and testing.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New initializes a cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached reputation for key, if present and unexpired.
// Expired entries are evicted on read.
func (c *Cache) Get(_ context.Context, key string) (*intel.Reputation, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// re-check under the write lock: a refresh may have landed
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	cp := e.rep
	return &cp, true, nil
}

// Set stores a copy of the reputation under key.
func (c *Cache) Set(_ context.Context, key string, rep *intel.Reputation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{rep: *rep, expiresAt: c.now().Add(c.ttl)}
	return nil
}
