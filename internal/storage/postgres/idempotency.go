package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// IdempotencyIndex stores idempotency keys in harvest_idempotency.
type IdempotencyIndex struct {
	db DB
}

// NewIdempotencyIndex wraps an open pool.
func NewIdempotencyIndex(db DB) (*IdempotencyIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &IdempotencyIndex{db: db}, nil
}

// Reserve inserts entry, or takes over an expired row, in one statement.
// When a live row owns the key it is returned with reserved=false.
func (i *IdempotencyIndex) Reserve(
	ctx context.Context,
	entry harvest.IdempotencyEntry,
	now time.Time,
) (harvest.IdempotencyEntry, bool, error) {
	var jobID string
	err := i.db.QueryRow(ctx, `
INSERT INTO harvest_idempotency (key, job_id, fingerprint, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET job_id = EXCLUDED.job_id, fingerprint = EXCLUDED.fingerprint, expires_at = EXCLUDED.expires_at
WHERE harvest_idempotency.expires_at <= $5
RETURNING job_id`,
		entry.Key, entry.JobID, entry.Fingerprint, entry.ExpiresAt, now).Scan(&jobID)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return harvest.IdempotencyEntry{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	existing := harvest.IdempotencyEntry{Key: entry.Key}
	err = i.db.QueryRow(ctx, `
SELECT job_id, fingerprint, expires_at FROM harvest_idempotency WHERE key = $1`, entry.Key).
		Scan(&existing.JobID, &existing.Fingerprint, &existing.ExpiresAt)
	if err != nil {
		return harvest.IdempotencyEntry{}, false, fmt.Errorf("load idempotency key: %w", err)
	}
	return existing, false, nil
}

// Release deletes a key while jobID still owns it.
func (i *IdempotencyIndex) Release(ctx context.Context, key, jobID string) error {
	_, err := i.db.Exec(ctx, `DELETE FROM harvest_idempotency WHERE key = $1 AND job_id = $2`, key, jobID)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge deletes expired keys.
func (i *IdempotencyIndex) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM harvest_idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
