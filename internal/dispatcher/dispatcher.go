// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/worker"
)

// Dispatcher fans out queue work to a bounded pool of workers.
type Dispatcher struct {
	queue   harvest.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue harvest.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool creates a Dispatcher with size workers sharing handler.
func NewPool(queue harvest.Queue, handler worker.Handler, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		workers = append(workers, worker.New(queue, handler, logger.With(zap.Int("worker", i))))
	}
	return New(queue, workers)
}

// Size reports how many workers the dispatcher runs.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens when ctx finishes or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
