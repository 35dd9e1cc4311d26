// Package cache is the optional, non-authoritative value cache populated by
// the coordinator. Entries are keyed by versioned object name so a newer write
// never aliases an older cached value.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Policy decides when the coordinator populates the cache.
type Policy string

// Cache policies.
const (
	OnRead  Policy = "onread"
	OnWrite Policy = "onwrite"
)

// Cache holds recently read or written values with a fixed lifetime.
type Cache struct {
	policy Policy
	lru    *expirable.LRU[string, []byte]
}

// New creates a cache of at most size entries that expire after ttl.
func New(policy Policy, size int, ttl time.Duration) *Cache {
	return &Cache{
		policy: policy,
		lru:    expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Policy returns the population policy.
func (c *Cache) Policy() Policy { return c.policy }

// Add stores a copy of value.
func (c *Cache) Add(name string, value []byte) {
	c.lru.Add(name, append([]byte(nil), value...))
}

// Get returns a copy of the cached value.
func (c *Cache) Get(name string) ([]byte, bool) {
	v, ok := c.lru.Get(name)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Remove drops an entry.
func (c *Cache) Remove(name string) {
	c.lru.Remove(name)
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
