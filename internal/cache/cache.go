// Package cache is the TTL key/value collaborator shared by the dimension
// resolver and the reconciler's fingerprint marks.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is an opaque string-keyed store with per-entry TTL and explicit
// delete. Entries age out on their own; nothing in the sync core ever
// iterates the cache.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

type memory struct {
	c *gocache.Cache
}

// NewMemory returns an in-process cache. defaultTTL applies when Set is
// called with a non-positive ttl; expired entries are janitored every
// cleanup interval.
func NewMemory(defaultTTL, cleanup time.Duration) Cache {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &memory{c: gocache.New(defaultTTL, cleanup)}
}

func (m *memory) Get(key string) (any, bool) {
	return m.c.Get(key)
}

func (m *memory) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(key, value, ttl)
}

func (m *memory) Delete(key string) {
	m.c.Delete(key)
}
