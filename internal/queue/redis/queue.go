// Package redisqueue shares the async job queue between instances through a
// Redis list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// Config controls the list key, depth limit and BRPOP poll interval.
type Config struct {
	Key         string
	Depth       int
	PollTimeout time.Duration
}

// Queue pushes with LPUSH and pops with BRPOP so items leave in FIFO order.
type Queue struct {
	client redis.UniversalClient
	key    string
	depth  int
	poll   time.Duration
}

// New builds a queue over client.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("queue key is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Queue{client: client, key: cfg.Key, depth: cfg.Depth, poll: cfg.PollTimeout}, nil
}

// Enqueue pushes an item. The depth check is best effort across instances.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if q.depth > 0 {
		n, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("queue length: %w", err)
		}
		if n >= int64(q.depth) {
			return harvest.ErrQueueFull
		}
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until an item arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return harvest.QueueItem{}, fmt.Errorf("dequeue: %w", err)
		}
		// res is [key, value].
		var item harvest.QueueItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return harvest.QueueItem{}, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

// Len reports the list length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
