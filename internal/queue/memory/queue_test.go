package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan harvest.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), harvest.QueueItem{JobID: "job-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueFullDoesNotBlock(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "a"}))
	require.NoError(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "b"}))
	require.ErrorIs(t, q.Enqueue(ctx, harvest.QueueItem{JobID: "c"}), harvest.ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	canceled, stop := context.WithCancel(context.Background())
	stop()
	require.ErrorIs(t, q.Enqueue(canceled, harvest.QueueItem{JobID: "x"}), context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), harvest.QueueItem{JobID: "a"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), harvest.QueueItem{JobID: "b"}), harvest.ErrQueueClosed)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", item.JobID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, harvest.ErrQueueClosed)
}
