package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

const jobColumns = `id, idempotency_key, status, request, result, error, callback_url, ` +
	`created_at, updated_at, started_at, finished_at`

// JobStore implements harvest.JobStore. Transitions are conditional updates
// on the current status so concurrent writers cannot move a job backwards.
type JobStore struct {
	db DB
}

// NewJobStore wraps an open pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// Ping reports whether the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job harvest.Job) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO harvest_jobs (id, idempotency_key, status, request, callback_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		job.ID, job.IdempotencyKey, string(job.Status), request, job.CallbackURL, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", harvest.ErrJobExists, job.ID)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM harvest_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	if err != nil {
		return harvest.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a queued job to running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, at time.Time) (harvest.Job, error) {
	row := s.db.QueryRow(ctx, `
UPDATE harvest_jobs SET status = $2, started_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns,
		jobID, string(harvest.JobStatusRunning), at, string(harvest.JobStatusQueued))
	return s.finishTransition(ctx, jobID, harvest.JobStatusRunning, row)
}

// CompleteJob stores the result on a running job.
func (s *JobStore) CompleteJob(
	ctx context.Context,
	jobID string,
	result harvest.ScrapeResult,
	at time.Time,
) (harvest.Job, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("marshal result: %w", err)
	}
	row := s.db.QueryRow(ctx, `
UPDATE harvest_jobs SET status = $2, result = $3, finished_at = $4, updated_at = $4
WHERE id = $1 AND status = $5
RETURNING `+jobColumns,
		jobID, string(harvest.JobStatusCompleted), payload, at, string(harvest.JobStatusRunning))
	return s.finishTransition(ctx, jobID, harvest.JobStatusCompleted, row)
}

// FailJob stores the error envelope on a running job.
func (s *JobStore) FailJob(ctx context.Context, jobID string, jobErr harvest.JobError, at time.Time) (harvest.Job, error) {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("marshal job error: %w", err)
	}
	row := s.db.QueryRow(ctx, `
UPDATE harvest_jobs SET status = $2, error = $3, finished_at = $4, updated_at = $4
WHERE id = $1 AND status = $5
RETURNING `+jobColumns,
		jobID, string(harvest.JobStatusFailed), payload, at, string(harvest.JobStatusRunning))
	return s.finishTransition(ctx, jobID, harvest.JobStatusFailed, row)
}

// finishTransition scans the updated row. No row means the job is missing or
// was not in the expected prior status.
func (s *JobStore) finishTransition(
	ctx context.Context,
	jobID string,
	next harvest.JobStatus,
	row pgx.Row,
) (harvest.Job, error) {
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, fmt.Errorf("update job to %s: %w", next, err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return harvest.Job{}, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", harvest.ErrInvalidTransition, current.Status, next)
}

// ListJobs returns jobs in creation order, filtered by status when non-empty.
func (s *JobStore) ListJobs(ctx context.Context, status harvest.JobStatus, limit int) ([]harvest.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM harvest_jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at, id
LIMIT $2`, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJob removes a job row.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM harvest_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrJobNotFound
	}
	return nil
}

// DeleteJobsBefore evicts terminal jobs last updated before terminalCutoff and
// unfinished jobs last updated before activeCutoff.
func (s *JobStore) DeleteJobsBefore(ctx context.Context, terminalCutoff, activeCutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
DELETE FROM harvest_jobs
WHERE (status IN ($1, $2) AND updated_at < $3)
   OR (status NOT IN ($1, $2) AND updated_at < $4)`,
		string(harvest.JobStatusCompleted), string(harvest.JobStatusFailed), terminalCutoff, activeCutoff)
	if err != nil {
		return 0, fmt.Errorf("evict jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job                     harvest.Job
		status                  string
		request, result, jobErr []byte
	)
	err := row.Scan(
		&job.ID, &job.IdempotencyKey, &status, &request, &result, &jobErr, &job.CallbackURL,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return harvest.Job{}, err
	}
	job.Status = harvest.JobStatus(status)
	if err := json.Unmarshal(request, &job.Request); err != nil {
		return harvest.Job{}, fmt.Errorf("decode request: %w", err)
	}
	if len(result) > 0 {
		job.Result = &harvest.ScrapeResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return harvest.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(jobErr) > 0 {
		job.Error = &harvest.JobError{}
		if err := json.Unmarshal(jobErr, job.Error); err != nil {
			return harvest.Job{}, fmt.Errorf("decode error: %w", err)
		}
	}
	return job, nil
}
