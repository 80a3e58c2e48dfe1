package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type lruEntry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	element    *list.Element
}

// LRU is an in-memory LRU cache with a per-cache TTL.
// Thread-safe implementation using sync.Mutex
type LRU[V any] struct {
	mu      sync.Mutex
	entries map[string]*lruEntry[V]
	lruList *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// Stats represents cache statistics
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// NewLRU creates an LRU holding at most maxSize entries for ttl each
func NewLRU[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LRU[V]{
		entries: make(map[string]*lruEntry[V]),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for expiry. Intended for tests.
func (c *LRU[V]) WithClock(now func() time.Time) *LRU[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *LRU[V]) expired(e *lruEntry[V]) bool {
	return c.now().Sub(e.insertedAt) > c.ttl
}

// Get returns the cached value and whether it was present and fresh
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, exists := c.entries[key]
	if !exists || c.expired(entry) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return zero, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry when full
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &lruEntry[V]{key: key, value: value, insertedAt: c.now()}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// Invalidate removes a specific cache entry
func (c *LRU[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(key)
}

// InvalidatePrefix removes every entry whose key starts with prefix
func (c *LRU[V]) InvalidatePrefix(prefix string) int {
	return c.InvalidateFunc(func(key string, _ V) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// InvalidateFunc removes every entry for which match returns true
func (c *LRU[V]) InvalidateFunc(match func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if match(key, entry.value) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries from the cache
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*lruEntry[V])
	c.lruList.Init()
}

// Stats returns cache statistics
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
	}
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *LRU[V]) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *LRU[V]) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
}

// CleanupExpired removes all expired entries
func (c *LRU[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := make([]string, 0)
	for key, entry := range c.entries {
		if c.expired(entry) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeEntry(key)
	}
	return len(expired)
}

// StartCleanupWorker periodically cleans up expired entries until stopCh is closed
func (c *LRU[V]) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
