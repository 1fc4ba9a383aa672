// Package retry runs operations with bounded exponential backoff driven by the failure taxonomy.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/review-harvester/internal/failure"
)

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy decides how many times and how long apart an operation is attempted.
type Policy struct {
	// MaxAttempts bounds the total number of invocations (minimum 1).
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
	// UnknownMaxAttempts caps attempts for Unknown failures when positive.
	UnknownMaxAttempts int
	// Retryable overrides failure.IsRetryable.
	Retryable func(error) bool
	// Sleep overrides the timer based wait (tests).
	Sleep Sleeper
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the policy used in front of site adapters.
func Default() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          2 * time.Second,
		UnknownMaxAttempts: 2,
	}
}

// Outcome reports what Execute did.
type Outcome struct {
	Attempts int
	Delays   []time.Duration
}

// Backoff returns the wait after the given 1-indexed attempt: base * 2^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Execute invokes op until it succeeds, returns a non-retryable error or the
// attempt budget is spent. The last error is returned unchanged.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) (Outcome, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var out Outcome
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("retry aborted before attempt %d: %w", attempt, err)
		}
		out.Attempts = attempt
		err := op(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if !p.shouldRetry(err, attempt, maxAttempts) {
			return out, err
		}
		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		out.Delays = append(out.Delays, delay)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return out, fmt.Errorf("retry backoff interrupted: %w (last failure: %v)", sleepErr, err)
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, Outcome, error) {
	var result T
	out, err := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		v, opErr := op(ctx, attempt)
		if opErr != nil {
			return opErr
		}
		result = v
		return nil
	})
	return result, out, err
}

func (p Policy) shouldRetry(err error, attempt, maxAttempts int) bool {
	retryable := failure.IsRetryable
	if p.Retryable != nil {
		retryable = p.Retryable
	}
	if !retryable(err) || attempt >= maxAttempts {
		return false
	}
	if p.UnknownMaxAttempts > 0 && failure.KindOf(err) == failure.KindUnknown {
		return attempt < p.UnknownMaxAttempts
	}
	return true
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or returns the context error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
