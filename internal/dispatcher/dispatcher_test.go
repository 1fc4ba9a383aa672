package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := NewPool(queue, &countingHandler{}, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherBoundsConcurrency checks no more than size jobs run at once.
func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(32)
	handler := &countingHandler{hold: 20 * time.Millisecond}
	dispatch := NewPool(queue, handler, 3, nil)
	if dispatch.Size() != 3 {
		t.Fatalf("expected 3 workers, got %d", dispatch.Size())
	}
	for i := range 12 {
		if err := dispatch.Enqueue(context.Background(), harvest.QueueItem{JobID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for handler.total.Load() < 12 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	queue.Close()
	<-done

	if got := handler.total.Load(); got != 12 {
		t.Fatalf("expected 12 jobs, got %d", got)
	}
	if peak := handler.peak.Load(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent jobs, saw %d", peak)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), harvest.QueueItem{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type countingHandler struct {
	hold    time.Duration
	mu      sync.Mutex
	running int
	peak    atomic.Int32
	total   atomic.Int32
}

func (h *countingHandler) Execute(_ context.Context, jobID string) (harvest.Job, error) {
	h.mu.Lock()
	h.running++
	if int32(h.running) > h.peak.Load() {
		h.peak.Store(int32(h.running))
	}
	h.mu.Unlock()

	time.Sleep(h.hold)

	h.mu.Lock()
	h.running--
	h.mu.Unlock()
	h.total.Add(1)
	return harvest.Job{ID: jobID, Status: harvest.JobStatusCompleted}, nil
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ harvest.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return harvest.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, harvest.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (harvest.QueueItem, error) {
	return harvest.QueueItem{}, nil
}
