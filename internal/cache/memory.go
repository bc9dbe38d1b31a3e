package cache

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryTTL = 5 * time.Minute

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL.
//
// Expiry is checked lazily at read time; a background sweep additionally
// evicts stale entries for memory hygiene. Safe for concurrent use; lost
// writes under races are acceptable because entries are immutable and
// TTL-bounded.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the sweep loop, which stops
// when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached value for key, or (nil, false) on a miss or an
// expired entry. Expired entries are removed on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl. A zero or negative ttl
// falls back to the 5-minute default.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held (expired-but-unswept
// entries included).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweep goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
