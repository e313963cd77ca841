// Package cachegc adds expiry on top of an LRU cache.
//
// The delivery pipeline uses it to cache owner and user records, which are
// read for every job in a thread but change rarely.
package cachegc

import (
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// Cache is a local in-memory caching layer with per-entry expiry.
type Cache struct {
	lru simplelru.LRUCache
	TTL time.Duration
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// NewCache creates a caching layer over the given LRU.
func NewCache(lru simplelru.LRUCache, ttl time.Duration) *Cache {
	return &Cache{lru: lru, TTL: ttl}
}

// Add stores an item, resetting its expiry clock.
func (c *Cache) Add(key, value interface{}) {
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: time.Now()})
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache) Get(key interface{}) (interface{}, bool) {
	entryI, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if time.Since(entry.lastUpdated) > c.TTL {
		c.lru.Remove(key)
		c.collect()
		return nil, false
	}
	return entry.data, true
}

// Remove drops an item, used when the underlying record changed.
func (c *Cache) Remove(key interface{}) {
	c.lru.Remove(key)
}

// Purge drops all items.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// collect drops expired items from the cold end of the LRU.
func (c *Cache) collect() {
	now := time.Now()
	for {
		key, entryI, ok := c.lru.GetOldest()
		if !ok {
			return
		}
		if now.Sub(entryI.(*cacheEntry).lastUpdated) <= c.TTL {
			return
		}
		c.lru.Remove(key)
	}
}
