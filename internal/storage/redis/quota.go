package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Quota is a fixed-window request counter per caller identity.
type Quota struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

// NewQuota builds a quota allowing limit requests per window.
func NewQuota(client redis.UniversalClient, limit int, window time.Duration) *Quota {
	return &Quota{client: client, limit: limit, window: window, prefix: "quota:"}
}

// Allow counts one request for identity and reports whether it fits the
// window along with the remaining budget.
func (q *Quota) Allow(ctx context.Context, identity string) (bool, int, error) {
	key := q.prefix + identity
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, q.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("count request: %w", err)
	}
	n := int(incr.Val())
	remaining := q.limit - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= q.limit, remaining, nil
}
