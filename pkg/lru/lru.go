// Package lru provides a bounded key/value cache with least-recently-used
// eviction and an eviction hook.
//
// Cache is not safe for concurrent use; callers sharing one across
// goroutines must guard it themselves.
package lru

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrInvalidSize is returned by New when maxSize is not positive.
var ErrInvalidSize = errors.New("lru: max size must be > 0")

// Cache maps keys to values and holds at most MaxSize entries. Get and Put
// both count as a use; when a Put would exceed the bound, the least recently
// used entry is evicted.
type Cache[K comparable, V any] struct {
	lru     *simplelru.LRU[K, V]
	maxSize int
	onEvict func(value V)
}

// New creates a cache holding up to maxSize entries. onEvict may be nil; when
// set it receives each evicted value exactly once, before the entry is
// removed. It must not panic or call back into the cache.
func New[K comparable, V any](maxSize int, onEvict func(value V)) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidSize, maxSize)
	}
	// Eviction is driven here rather than by simplelru's callback so the hook
	// runs while the victim is still present.
	l, err := simplelru.NewLRU[K, V](maxSize, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lru: l, maxSize: maxSize, onEvict: onEvict}, nil
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Put inserts or updates key and marks it most recently used. It reports
// whether an older entry was evicted to make room.
func (c *Cache[K, V]) Put(key K, value V) (evicted bool) {
	if c.lru.Contains(key) {
		c.lru.Add(key, value)
		return false
	}
	if c.lru.Len() >= c.maxSize {
		if _, old, ok := c.lru.GetOldest(); ok {
			if c.onEvict != nil {
				c.onEvict(old)
			}
			c.lru.RemoveOldest()
			evicted = true
		}
	}
	c.lru.Add(key, value)
	return evicted
}

// Peek returns the value for key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Remove deletes key. The eviction hook is not called.
func (c *Cache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

// Purge drops every entry without calling the eviction hook.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Len() int     { return c.lru.Len() }
func (c *Cache[K, V]) MaxSize() int { return c.maxSize }

// Keys returns the cached keys, most recently used first.
func (c *Cache[K, V]) Keys() []K {
	keys := c.lru.Keys()
	slices.Reverse(keys)
	return keys
}
