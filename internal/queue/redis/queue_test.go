package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

func newQueue(t *testing.T, depth int) *Queue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, Config{Key: "harvester:queue", Depth: depth, PollTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return q
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newQueue(t, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "a", Submitted: 1}))
	require.NoError(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "b", Submitted: 2}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.JobID)
	require.EqualValues(t, 1, first.Submitted)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.JobID)
}

func TestQueueDepthLimit(t *testing.T) {
	t.Parallel()

	q := newQueue(t, 1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "a"}))
	require.ErrorIs(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "b"}), harvest.ErrQueueFull)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := newQueue(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Key: "k"})
	require.Error(t, err)
	_, err = New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), Config{})
	require.Error(t, err)
}
