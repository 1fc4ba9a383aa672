package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// defaultEnqueueWait bounds how long Notify waits for room in a full queue.
const defaultEnqueueWait = 2 * time.Second

var (
	// ErrNotifierClosed is returned by Notify after Close.
	ErrNotifierClosed = errors.New("webhook notifier closed")
	// ErrNotifierFull is returned when the queue stayed full for the whole
	// enqueue wait and the job's callback was dropped.
	ErrNotifierFull = errors.New("webhook notifier queue full")
)

// Delivery sends one job outcome.
type Delivery interface {
	Deliver(ctx context.Context, job harvest.Job) error
}

// Notifier hands finished jobs to a fixed set of delivery goroutines so
// callback retries never hold up a scrape worker.
type Notifier struct {
	delivery Delivery
	jobs     chan harvest.Job
	stop     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	logger   *zap.Logger
	wait     time.Duration
}

// NewNotifier starts workers goroutines reading from a queue of depth jobs.
func NewNotifier(delivery Delivery, workers, depth int, logger *zap.Logger) *Notifier {
	if workers <= 0 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		delivery: delivery,
		jobs:     make(chan harvest.Job, depth),
		stop:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("notifier"),
		wait:     defaultEnqueueWait,
	}
	for range workers {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// Notify queues job for delivery. While the queue is full it waits a bounded
// time, then drops the callback and returns ErrNotifierFull.
func (n *Notifier) Notify(ctx context.Context, job harvest.Job) error {
	select {
	case <-n.stop:
		return ErrNotifierClosed
	default:
	}
	select {
	case n.jobs <- job:
		return nil
	default:
	}

	timer := time.NewTimer(n.wait)
	defer timer.Stop()
	select {
	case n.jobs <- job:
		return nil
	case <-n.stop:
		return ErrNotifierClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		telemetry.ObserveWebhookAttempt("dropped")
		n.logger.Warn("webhook dropped, notifier queue full",
			zap.String("job_id", job.ID),
			zap.Duration("waited", n.wait),
		)
		return ErrNotifierFull
	}
}

// Close stops accepting jobs and waits for queued deliveries. When ctx ends
// first, in-flight deliveries are canceled.
func (n *Notifier) Close(ctx context.Context) error {
	n.once.Do(func() { close(n.stop) })
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case job := <-n.jobs:
			n.deliver(job)
		case <-n.stop:
			for {
				select {
				case job := <-n.jobs:
					n.deliver(job)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(job harvest.Job) {
	if err := n.delivery.Deliver(n.ctx, job); err != nil {
		n.logger.Warn("webhook not delivered", zap.String("job_id", job.ID), zap.Error(err))
	}
}
