package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// IdempotencyIndex stores each entry as JSON under prefix+key with a TTL
// matching the entry's expiry, so Redis handles eviction.
type IdempotencyIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewIdempotencyIndex wraps a client.
func NewIdempotencyIndex(client redis.UniversalClient, prefix string) *IdempotencyIndex {
	return &IdempotencyIndex{client: client, prefix: prefix}
}

// Reserve uses SET NX so exactly one caller wins a key.
func (i *IdempotencyIndex) Reserve(
	ctx context.Context,
	entry harvest.IdempotencyEntry,
	now time.Time,
) (harvest.IdempotencyEntry, bool, error) {
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return harvest.IdempotencyEntry{}, false, fmt.Errorf("idempotency entry %q already expired", entry.Key)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return harvest.IdempotencyEntry{}, false, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	// The existing key can expire between SETNX and GET; one more round covers it.
	for range 2 {
		ok, err := i.client.SetNX(ctx, i.prefix+entry.Key, payload, ttl).Result()
		if err != nil {
			return harvest.IdempotencyEntry{}, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return entry, true, nil
		}
		raw, err := i.client.Get(ctx, i.prefix+entry.Key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return harvest.IdempotencyEntry{}, false, fmt.Errorf("load idempotency key: %w", err)
		}
		var existing harvest.IdempotencyEntry
		if err := json.Unmarshal(raw, &existing); err != nil {
			return harvest.IdempotencyEntry{}, false, fmt.Errorf("decode idempotency entry: %w", err)
		}
		return existing, false, nil
	}
	return harvest.IdempotencyEntry{}, false, fmt.Errorf("reserve idempotency key %q: lost race twice", entry.Key)
}

// releaseScript deletes KEYS[1] only when its stored job_id equals ARGV[1].
var releaseScript = redis.NewScript(`
local raw = redis.call("get", KEYS[1])
if not raw then
	return 0
end
if cjson.decode(raw)["job_id"] == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release deletes a key while jobID still owns it.
func (i *IdempotencyIndex) Release(ctx context.Context, key, jobID string) error {
	if err := releaseScript.Run(ctx, i.client, []string{i.prefix + key}, jobID).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge is a no-op: keys carry their own TTL.
func (i *IdempotencyIndex) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
