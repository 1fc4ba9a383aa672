package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// DeliveryLog is an append-only record of webhook attempts per job.
type DeliveryLog struct {
	mu       sync.RWMutex
	attempts map[string][]harvest.DeliveryAttempt
}

// NewDeliveryLog constructs an empty log.
func NewDeliveryLog() *DeliveryLog {
	return &DeliveryLog{attempts: make(map[string][]harvest.DeliveryAttempt)}
}

// AppendAttempt records one delivery attempt.
func (l *DeliveryLog) AppendAttempt(_ context.Context, attempt harvest.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[attempt.JobID] = append(l.attempts[attempt.JobID], attempt)
	return nil
}

// ListAttempts returns a copy of the attempts recorded for jobID.
func (l *DeliveryLog) ListAttempts(_ context.Context, jobID string) ([]harvest.DeliveryAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	attempts := l.attempts[jobID]
	out := make([]harvest.DeliveryAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

// Prune drops attempts sent before cutoff.
func (l *DeliveryLog) Prune(_ context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for jobID, attempts := range l.attempts {
		kept := attempts[:0]
		for _, a := range attempts {
			if a.SentAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(l.attempts, jobID)
			continue
		}
		l.attempts[jobID] = kept
	}
	return removed, nil
}
