package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// pruner is implemented by delivery logs that can drop old attempts.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// SweepReport summarizes one janitor pass.
type SweepReport struct {
	Evicted int
	Purged  int
	Pruned  int
	Stale   int
}

// Recover re-enqueues jobs persisted as queued. Jobs found running were
// interrupted mid-scrape; they are reported and left for the stale sweep,
// never retried.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	queued, err := o.deps.Store.ListJobs(ctx, harvest.JobStatusQueued, 0)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	requeued := 0
	for _, job := range queued {
		item := harvest.QueueItem{JobID: job.ID, Submitted: job.CreatedAt.Unix()}
		if err := o.deps.Queue.Enqueue(ctx, item); err != nil {
			if errors.Is(err, harvest.ErrQueueFull) {
				o.logger.Warn("queue full during recovery", zap.Int("requeued", requeued), zap.Int("pending", len(queued)))
				return requeued, err
			}
			return requeued, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		requeued++
	}

	running, err := o.deps.Store.ListJobs(ctx, harvest.JobStatusRunning, 0)
	if err != nil {
		return requeued, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		o.logger.Warn("job was running at shutdown; it will not be retried", zap.String("job_id", job.ID))
	}
	o.logger.Info("recovery finished", zap.Int("requeued", requeued), zap.Int("interrupted", len(running)))
	return requeued, nil
}

// StaleJobs lists running jobs that started longer ago than the stale window.
func (o *Orchestrator) StaleJobs(ctx context.Context) ([]harvest.Job, error) {
	running, err := o.deps.Store.ListJobs(ctx, harvest.JobStatusRunning, 0)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	cutoff := o.deps.Clock.Now().Add(-o.cfg.StaleAfter)
	stale := make([]harvest.Job, 0)
	for _, job := range running {
		started := job.UpdatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		if started.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

// Sweep reports stale running jobs, then evicts expired jobs, idempotency
// entries and delivery attempts. Jobs stuck queued or running are evicted too,
// one stale window after terminal jobs would be.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := o.deps.Clock.Now()
	cutoff := now.Add(-o.cfg.JobRetention)

	stale, err := o.StaleJobs(ctx)
	if err != nil {
		return report, err
	}
	report.Stale = len(stale)
	telemetry.SetStaleJobs(len(stale))
	for _, job := range stale {
		o.logger.Warn("stale running job", zap.String("job_id", job.ID), zap.Timep("started_at", job.StartedAt))
	}

	activeCutoff := now.Add(-o.retention(harvest.JobStatusRunning))
	evicted, err := o.deps.Store.DeleteJobsBefore(ctx, cutoff, activeCutoff)
	if err != nil {
		return report, fmt.Errorf("evict jobs: %w", err)
	}
	report.Evicted = evicted

	purged, err := o.deps.Idempotency.Purge(ctx, now)
	if err != nil {
		return report, fmt.Errorf("purge idempotency keys: %w", err)
	}
	report.Purged = purged

	if p, ok := o.deps.Deliveries.(pruner); ok {
		pruned, err := p.Prune(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("prune deliveries: %w", err)
		}
		report.Pruned = pruned
	}

	o.forgetFinishedCancels(ctx)
	if report.Evicted > 0 || report.Purged > 0 || report.Pruned > 0 {
		o.logger.Info("janitor sweep",
			zap.Int("evicted", report.Evicted),
			zap.Int("purged", report.Purged),
			zap.Int("pruned", report.Pruned),
		)
	}
	return report, nil
}

// forgetFinishedCancels drops cancel flags for jobs that can no longer start.
func (o *Orchestrator) forgetFinishedCancels(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.canceled))
	for id := range o.canceled {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		job, err := o.deps.Store.GetJob(ctx, id)
		if err == nil && !job.Status.Terminal() {
			continue
		}
		o.mu.Lock()
		delete(o.canceled, id)
		o.mu.Unlock()
	}
}

// RunJanitor sweeps on every janitor interval until ctx ends.
func (o *Orchestrator) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("janitor sweep failed", zap.Error(err))
			}
		}
	}
}
