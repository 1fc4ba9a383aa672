package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// IdempotencyIndex maps idempotency keys to job ids until they expire.
type IdempotencyIndex struct {
	mu      sync.Mutex
	entries map[string]harvest.IdempotencyEntry
}

// NewIdempotencyIndex constructs an empty index.
func NewIdempotencyIndex() *IdempotencyIndex {
	return &IdempotencyIndex{entries: make(map[string]harvest.IdempotencyEntry)}
}

// Reserve stores entry unless a live entry already owns the key.
func (i *IdempotencyIndex) Reserve(
	_ context.Context,
	entry harvest.IdempotencyEntry,
	now time.Time,
) (harvest.IdempotencyEntry, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.entries[entry.Key]; ok && now.Before(existing.ExpiresAt) {
		return existing, false, nil
	}
	i.entries[entry.Key] = entry
	return entry, true, nil
}

// Release drops a key so it can be reserved again, unless another job has
// claimed it since.
func (i *IdempotencyIndex) Release(_ context.Context, key, jobID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.entries[key]; ok && existing.JobID == jobID {
		delete(i.entries, key)
	}
	return nil
}

// Purge removes expired entries.
func (i *IdempotencyIndex) Purge(_ context.Context, now time.Time) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for key, entry := range i.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(i.entries, key)
			removed++
		}
	}
	return removed, nil
}
