package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]harvest.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]harvest.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", harvest.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	return job, nil
}

// MarkRunning moves a queued job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) (harvest.Job, error) {
	return s.transition(jobID, harvest.JobStatusRunning, func(job *harvest.Job) {
		job.StartedAt = pointerTime(at)
		job.UpdatedAt = at
	})
}

// CompleteJob stores the result on a running job.
func (s *JobStore) CompleteJob(
	_ context.Context,
	jobID string,
	result harvest.ScrapeResult,
	at time.Time,
) (harvest.Job, error) {
	return s.transition(jobID, harvest.JobStatusCompleted, func(job *harvest.Job) {
		job.Result = &result
		job.FinishedAt = pointerTime(at)
		job.UpdatedAt = at
	})
}

// FailJob stores the error envelope on a running job.
func (s *JobStore) FailJob(_ context.Context, jobID string, jobErr harvest.JobError, at time.Time) (harvest.Job, error) {
	return s.transition(jobID, harvest.JobStatusFailed, func(job *harvest.Job) {
		job.Error = &jobErr
		job.FinishedAt = pointerTime(at)
		job.UpdatedAt = at
	})
}

func (s *JobStore) transition(jobID string, next harvest.JobStatus, apply func(*harvest.Job)) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	if !job.Status.CanTransition(next) {
		return job, fmt.Errorf("%w: %s -> %s", harvest.ErrInvalidTransition, job.Status, next)
	}
	job.Status = next
	apply(&job)
	s.jobs[jobID] = job
	return job, nil
}

// ListJobs returns jobs in creation order, filtered by status when non-empty.
// A limit <= 0 returns every match.
func (s *JobStore) ListJobs(_ context.Context, status harvest.JobStatus, limit int) ([]harvest.Job, error) {
	s.mu.RLock()
	out := make([]harvest.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteJob removes a job.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return harvest.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// DeleteJobsBefore evicts terminal jobs last updated before terminalCutoff and
// unfinished jobs last updated before activeCutoff.
func (s *JobStore) DeleteJobsBefore(_ context.Context, terminalCutoff, activeCutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		cutoff := activeCutoff
		if job.Status.Terminal() {
			cutoff = terminalCutoff
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
