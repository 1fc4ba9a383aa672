// Package memory provides a bounded in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// Queue is a bounded channel-backed queue. Enqueue never blocks: a full
// queue is reported to the caller so the API can shed load.
type Queue struct {
	ch      chan harvest.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan harvest.QueueItem, capacity)}
}

// Enqueue adds an item or returns harvest.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return harvest.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return harvest.ErrQueueFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	select {
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return harvest.QueueItem{}, harvest.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
