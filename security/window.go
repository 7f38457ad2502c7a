package security

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/authagent/mcp-auth/storage"
)

// WindowLimiter enforces a fixed-window limit per identity key (an email
// address, a client ID) on top of a shared counter store. Unlike the
// token-bucket RateLimiter, which is per-process and IP-oriented, the
// window limiter stays correct across server instances when backed by a
// shared Counter such as Redis.
type WindowLimiter struct {
	counter storage.Counter
	limit   int64
	window  time.Duration
}

// NewWindowLimiter creates a limiter allowing limit events per window
// for each key, counted in the given counter store.
func NewWindowLimiter(counter storage.Counter, limit int64, window time.Duration) *WindowLimiter {
	return &WindowLimiter{counter: counter, limit: limit, window: window}
}

// Allow records one event for key and reports whether the key is still
// within its window budget. Counter errors fail open: availability of the
// counter backend must not take down authorization.
func (l *WindowLimiter) Allow(ctx context.Context, key string) bool {
	count, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return true
	}
	return count <= l.limit
}

// MemoryCounter is an in-process Counter backed by an expiring cache.
// Each key's count lives for the window given on first increment.
type MemoryCounter struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryCounter creates an in-process counter. Expired windows are
// purged every minute.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

var _ storage.Counter = (*MemoryCounter)(nil)

// Incr increments the counter for key, starting a new window if none is
// active, and returns the count within the current window.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache.Get(key); !ok {
		c.cache.Set(key, int64(1), window)
		return 1, nil
	}
	return c.cache.IncrementInt64(key, 1)
}
