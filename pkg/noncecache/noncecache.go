package noncecache

import (
	"context"
	"sync"
	"time"
)

// Cache rejects replayed inbound callbacks. CheckAndSet records a nonce
// with a TTL and reports whether it was fresh; a repeated nonce inside
// the TTL window returns false and must be treated as already-applied.
type Cache interface {
	CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
	Close() error
}

// MemoryCache is a single-instance in-process nonce cache
type MemoryCache struct {
	seen map[string]time.Time
	mu   sync.Mutex
	now  func() time.Time
}

// NewMemoryCache creates a new in-memory nonce cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (c *MemoryCache) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expires, ok := c.seen[nonce]; ok && now.Before(expires) {
		return false, nil
	}
	c.seen[nonce] = now.Add(ttl)

	// Opportunistic sweep of expired entries
	if len(c.seen) > 4096 {
		for n, exp := range c.seen {
			if now.After(exp) {
				delete(c.seen, n)
			}
		}
	}
	return true, nil
}

func (c *MemoryCache) Close() error {
	return nil
}
