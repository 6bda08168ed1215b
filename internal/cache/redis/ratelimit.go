package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter implements a fixed-window counter per key. The first hit in a
// window creates the counter with the window as its TTL; the limit applies to
// hits within that TTL.
type RateLimiter struct {
	client *Client
}

// NewRateLimiter creates a RateLimiter on the shared store.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{client: c}
}

// Allow reports whether the key is under limit for the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	rdb := l.client.Underlying()

	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("redis: ratelimit expire: %w", err)
		}
	}
	return count <= int64(limit), nil
}
