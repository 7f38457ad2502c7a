package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authagent/mcp-auth/storage"
)

// Counter implements fixed-window counters on Redis so rate limits hold
// across server instances.
type Counter struct {
	client *redis.Client
	prefix string
}

var _ storage.Counter = (*Counter)(nil)

// NewCounter creates a shared counter in the store's namespace.
func (s *Store) NewCounter() *Counter {
	return &Counter{client: s.client, prefix: s.prefix}
}

// Incr increments the window counter for key and returns the new count.
// The window is aligned to wall-clock boundaries; the key expires with
// the window.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	winStart := time.Now().UTC().Truncate(window)
	redisKey := fmt.Sprintf("%s:ctr:%s:%d", c.prefix, key, winStart.Unix())

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}

	// Set expiry on first hit.
	if incr.Val() == 1 {
		if err := c.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	return incr.Val(), nil
}
