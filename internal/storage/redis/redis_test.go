package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewClient(Config{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestNewClientRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)
}

func TestIdempotencyReserveFirstWriterWins(t *testing.T) {
	t.Parallel()

	srv, client := newRedis(t)
	idx := NewIdempotencyIndex(client, "idem:")
	ctx := context.Background()
	now := time.Now()

	first := harvest.IdempotencyEntry{Key: "k", JobID: "job-1", Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)}
	got, reserved, err := idx.Reserve(ctx, first, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.Equal(t, "job-1", got.JobID)
	require.True(t, srv.Exists("idem:k"))
	require.InDelta(t, time.Hour.Seconds(), srv.TTL("idem:k").Seconds(), 1)

	second := first
	second.JobID = "job-2"
	got, reserved, err = idx.Reserve(ctx, second, now)
	require.NoError(t, err)
	require.False(t, reserved)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, "fp", got.Fingerprint)

	srv.FastForward(time.Hour + time.Second)
	got, reserved, err = idx.Reserve(ctx, second, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.Equal(t, "job-2", got.JobID)

	require.NoError(t, idx.Release(ctx, "k", "job-1"))
	require.True(t, srv.Exists("idem:k"))
	require.NoError(t, idx.Release(ctx, "k", "job-2"))
	require.False(t, srv.Exists("idem:k"))

	removed, err := idx.Purge(ctx, now)
	require.NoError(t, err)
	require.Zero(t, removed)

	_, _, err = idx.Reserve(ctx, harvest.IdempotencyEntry{Key: "old", ExpiresAt: now.Add(-time.Second)}, now)
	require.Error(t, err)
}

func TestQuotaFixedWindow(t *testing.T) {
	t.Parallel()

	srv, client := newRedis(t)
	quota := NewQuota(client, 2, time.Minute)
	ctx := context.Background()

	ok, remaining, err := quota.Allow(ctx, "key-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, remaining)

	ok, remaining, err = quota.Allow(ctx, "key-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, remaining)

	ok, _, err = quota.Allow(ctx, "key-a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = quota.Allow(ctx, "key-b")
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(time.Minute + time.Second)
	ok, remaining, err = quota.Allow(ctx, "key-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, remaining)
}

func TestPinger(t *testing.T) {
	t.Parallel()

	srv, client := newRedis(t)
	p := Pinger{Client: client}
	require.NoError(t, p.Ping(context.Background()))
	srv.Close()
	require.Error(t, p.Ping(context.Background()))
}
