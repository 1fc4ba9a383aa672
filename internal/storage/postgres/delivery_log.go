package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// DeliveryLog appends webhook attempts to harvest_deliveries.
type DeliveryLog struct {
	db DB
}

// NewDeliveryLog wraps an open pool.
func NewDeliveryLog(db DB) (*DeliveryLog, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DeliveryLog{db: db}, nil
}

// AppendAttempt inserts one attempt row.
func (l *DeliveryLog) AppendAttempt(ctx context.Context, attempt harvest.DeliveryAttempt) error {
	_, err := l.db.Exec(ctx, `
INSERT INTO harvest_deliveries (job_id, attempt, sent_at, response_status, error, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.JobID, attempt.Attempt, attempt.SentAt, attempt.ResponseStatus, attempt.Error, attempt.DurationMs)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// ListAttempts returns attempts for a job ordered by attempt number.
func (l *DeliveryLog) ListAttempts(ctx context.Context, jobID string) ([]harvest.DeliveryAttempt, error) {
	rows, err := l.db.Query(ctx, `
SELECT job_id, attempt, sent_at, response_status, error, duration_ms
FROM harvest_deliveries WHERE job_id = $1 ORDER BY attempt`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	out := []harvest.DeliveryAttempt{}
	for rows.Next() {
		var a harvest.DeliveryAttempt
		if err := rows.Scan(&a.JobID, &a.Attempt, &a.SentAt, &a.ResponseStatus, &a.Error, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}
	return out, nil
}

// Prune deletes attempts sent before cutoff.
func (l *DeliveryLog) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM harvest_deliveries WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune delivery attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
