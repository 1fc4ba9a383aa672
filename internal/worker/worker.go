// Package worker implements the job execution pipeline and the loop that
// feeds it from the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/retry"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Backoff bounds between failed dequeue attempts.
const (
	minDequeueBackoff = 100 * time.Millisecond
	maxDequeueBackoff = 5 * time.Second
)

// Handler executes one dequeued job.
type Handler interface {
	Execute(ctx context.Context, jobID string) (harvest.Job, error)
}

// Worker consumes queue items and hands them to a Handler.
type Worker struct {
	queue   harvest.Queue
	handler Handler
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New constructs a Worker.
func New(queue harvest.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, handler: handler, logger: logger.Named("worker"), sleep: retry.Sleep}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed. Dequeue errors back off exponentially up to maxDequeueBackoff.
func (w *Worker) Run(ctx context.Context) {
	backoff := time.Duration(0)
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			backoff = min(max(2*backoff, minDequeueBackoff), maxDequeueBackoff)
			w.logger.Error("queue dequeue failed", zap.Error(err), zap.Duration("backoff", backoff))
			if w.sleep(ctx, backoff) != nil {
				return
			}
			continue
		}
		backoff = 0
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item harvest.QueueItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	job, err := w.handler.Execute(ctx, item.JobID)
	if err != nil {
		w.logger.Warn("job execution failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	w.logger.Debug("job finished", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
}
