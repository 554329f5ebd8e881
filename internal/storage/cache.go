package storage

import (
	"container/list"
	"context"
	"sync"

	"github.com/hyperjump/cgrcompute/internal/metrics"
	"github.com/hyperjump/cgrcompute/internal/models"
)

// lruCache is a fixed-capacity LRU map.
type lruCache[K comparable, V any] struct {
	capacity int
	cache    map[K]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity: capacity,
		cache:    make(map[K]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached value for key if present.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Set stores value for key, evicting the oldest entry if at capacity.
func (c *lruCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return
	}

	elem := c.lru.PushFront(&lruEntry[K, V]{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*lruEntry[K, V]).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *lruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

type abbrResult struct {
	abbr  string
	found bool
}

// CachedLookup memoizes a CourseLookup. Misses are cached like hits; errors
// are never cached.
type CachedLookup struct {
	next  CourseLookup
	cache *lruCache[models.CourseKey, abbrResult]
}

// NewCachedLookup wraps next with an LRU of the given capacity.
func NewCachedLookup(next CourseLookup, capacity int) *CachedLookup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &CachedLookup{next: next, cache: newLRUCache[models.CourseKey, abbrResult](capacity)}
}

// GetCourseAbbr implements CourseLookup.
func (c *CachedLookup) GetCourseAbbr(ctx context.Context, key models.CourseKey) (string, bool, error) {
	if r, ok := c.cache.Get(key); ok {
		metrics.RecordLookup(true)
		return r.abbr, r.found, nil
	}
	metrics.RecordLookup(false)
	abbr, found, err := c.next.GetCourseAbbr(ctx, key)
	if err != nil {
		return "", false, err
	}
	c.cache.Set(key, abbrResult{abbr: abbr, found: found})
	return abbr, found, nil
}
