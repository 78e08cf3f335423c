package broker

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, concurrency-safe read-through cache for one
// catalog resource (Shards, Segments, SegmentMeta, Users, ACLs,
// Blacklists): a single applier goroutine is the only writer (driven
// by metaservice notifications), while MQTT handler goroutines only
// ever read, per the single-writer/many-readers contract described
// for broker-side caches.
type Cache[T any] struct {
	lru *lru.Cache[string, T]
}

// NewCache creates a Cache bounded to size entries (4096 when size is
// not positive). A key evicted by the LRU policy is absent from Get until
// a later notification sets it again; the cache does not fetch it back
// on its own.
func NewCache[T any](size int) *Cache[T] {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, T](size)
	return &Cache[T]{lru: c}
}

// Get returns the cached value for key, if present.
func (c *Cache[T]) Get(key string) (T, bool) {
	return c.lru.Get(key)
}

// Set installs or replaces the cached value for key (an "upsert"
// notification).
func (c *Cache[T]) Set(key string, value T) {
	c.lru.Add(key, value)
}

// Delete evicts key (a "delete" notification).
func (c *Cache[T]) Delete(key string) {
	c.lru.Remove(key)
}

// Len reports the number of cached entries.
func (c *Cache[T]) Len() int {
	return c.lru.Len()
}
