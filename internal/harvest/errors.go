package harvest

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown or has been evicted.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose id is already stored.
	ErrJobExists = errors.New("job already exists")
	// ErrInvalidTransition is returned when a status change would move a job backwards.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

var (
	// ErrQueueFull is returned when the job queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("job queue closed")
)

var (
	// ErrIdempotencyConflict is returned when an idempotency key is reused with a different request.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	// ErrJobFinished is returned when canceling a job that already reached a terminal status.
	ErrJobFinished = errors.New("job already finished")
	// ErrInvalidRequest is returned for scrape requests that fail validation.
	ErrInvalidRequest = errors.New("invalid scrape request")
)
