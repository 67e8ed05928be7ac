package pricing

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultCacheTTL = 60 * time.Second
	cacheShards     = 16
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

type cacheShard[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
}

// Cache is a sharded TTL cache. Readers of different keys never block each
// other; writers lock only their own shard.
type Cache[V any] struct {
	ttl    time.Duration
	shards [cacheShards]*cacheShard[V]
}

// NewCache creates a cache whose entries expire ttl after they were stored.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache[V]{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &cacheShard[V]{entries: make(map[string]cacheEntry[V])}
	}
	return c
}

func (c *Cache[V]) shard(key string) *cacheShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// TTL returns the configured time-to-live.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if it was stored less than TTL before now.
func (c *Cache[V]) Get(key string, now time.Time) (V, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || now.Sub(e.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for key as of now.
func (c *Cache[V]) Set(key string, value V, now time.Time) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry[V]{value: value, storedAt: now}
	s.mu.Unlock()
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		clear(s.entries)
		s.mu.Unlock()
	}
}

// Expire drops every entry that is expired at now and returns how many were removed.
func (c *Cache[V]) Expire(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.storedAt) >= c.ttl {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
