package harvest

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. Status changes go through the compare-and-set
// transitions so a job can only move forward.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	MarkRunning(ctx context.Context, jobID string, at time.Time) (Job, error)
	CompleteJob(ctx context.Context, jobID string, result ScrapeResult, at time.Time) (Job, error)
	FailJob(ctx context.Context, jobID string, jobErr JobError, at time.Time) (Job, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	// DeleteJobsBefore evicts terminal jobs last updated before terminalCutoff
	// and queued or running jobs last updated before activeCutoff.
	DeleteJobsBefore(ctx context.Context, terminalCutoff, activeCutoff time.Time) (int, error)
}

// IdempotencyIndex maps idempotency keys to jobs for a retention window.
type IdempotencyIndex interface {
	// Reserve stores entry unless an unexpired entry for the key exists, in which
	// case the existing entry is returned with reserved=false.
	Reserve(ctx context.Context, entry IdempotencyEntry, now time.Time) (existing IdempotencyEntry, reserved bool, err error)
	// Release drops key only while it still belongs to jobID.
	Release(ctx context.Context, key, jobID string) error
	Purge(ctx context.Context, now time.Time) (int, error)
}

// DeliveryLog records webhook delivery attempts.
type DeliveryLog interface {
	AppendAttempt(ctx context.Context, attempt DeliveryAttempt) error
	ListAttempts(ctx context.Context, jobID string) ([]DeliveryAttempt, error)
}

// Queue provides enqueue/dequeue semantics for async jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Analyzer scores scraped items.
type Analyzer interface {
	Analyze(ctx context.Context, items []Review, language string) (Analysis, error)
}

// Responder drafts replies for scraped items.
type Responder interface {
	Respond(ctx context.Context, request ScrapeRequest, entity Entity, items []Review) (Generation, error)
}

// Sanitizer strips personal data from an extraction before it is stored.
type Sanitizer interface {
	Sanitize(extraction Extraction) Extraction
}

// Hasher computes digests for fingerprints and snapshot names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
