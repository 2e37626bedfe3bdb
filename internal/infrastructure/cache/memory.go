package cache

import (
	"context"
	"sync"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
)

// cacheItem represents a single vector in the cache with expiration
type cacheItem struct {
	Value      domain.Vector
	Expiration time.Time
	StoredAt   time.Time
}

// MemoryCache is a thread-safe in-memory embedding cache with TTL support
type MemoryCache struct {
	data       map[string]cacheItem
	mutex      sync.RWMutex
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryCache creates a new in-memory cache. A zero ttl keeps entries until evicted,
// a zero maxEntries disables the size bound.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	cache := &MemoryCache{
		data:       make(map[string]cacheItem),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}

	// Start cleanup goroutine to remove expired entries every 10 minutes
	go cache.cleanupExpired(10 * time.Minute)

	return cache
}

// Get retrieves a vector from the cache
func (c *MemoryCache) Get(ctx context.Context, key string) (domain.Vector, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.data[key]
	if !exists || c.expired(item, time.Now()) {
		return nil, domain.ErrCacheMiss
	}

	return cloneVector(item.Value), nil
}

// Set stores a copy of the vector so callers can't mutate cached data
func (c *MemoryCache) Set(ctx context.Context, key string, vec domain.Vector) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.evictLocked(now)
	}

	item := cacheItem{Value: cloneVector(vec), StoredAt: now}
	if c.ttl > 0 {
		item.Expiration = now.Add(c.ttl)
	}
	c.data[key] = item

	return nil
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.data, key)
	return nil
}

// Clear removes all items from the cache
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.data = make(map[string]cacheItem)
	return nil
}

// Size returns the current number of items in the cache (for debugging/monitoring)
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// Close stops the cleanup goroutine
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) expired(item cacheItem, now time.Time) bool {
	return !item.Expiration.IsZero() && now.After(item.Expiration)
}

// evictLocked drops expired entries, or the oldest entry when none have expired
func (c *MemoryCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	removed := false

	for key, item := range c.data {
		if c.expired(item, now) {
			delete(c.data, key)
			removed = true
			continue
		}
		if oldestKey == "" || item.StoredAt.Before(oldest) {
			oldestKey = key
			oldest = item.StoredAt
		}
	}

	if !removed && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// cleanupExpired removes expired entries from the cache periodically
func (c *MemoryCache) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, item := range c.data {
				if c.expired(item, now) {
					delete(c.data, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

func cloneVector(v domain.Vector) domain.Vector {
	if v == nil {
		return nil
	}
	out := make(domain.Vector, len(v))
	copy(out, v)
	return out
}
