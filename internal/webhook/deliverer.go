package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/retry"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// DefaultPolicy is the retry policy for callback delivery: 5 attempts starting
// at 2s. Delivery errors carry their own retry decision so Unknown is not capped.
func DefaultPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Config configures a Deliverer.
type Config struct {
	// Source is sent as X-Source.
	Source string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Policy overrides DefaultPolicy when MaxAttempts is set.
	Policy retry.Policy
}

// Deliverer POSTs signed job outcomes to callback URLs and logs every attempt.
type Deliverer struct {
	client  *http.Client
	signer  Signer
	log     harvest.DeliveryLog
	clock   harvest.Clock
	policy  retry.Policy
	source  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewDeliverer wires a Deliverer. client and logger may be nil.
func NewDeliverer(
	client *http.Client,
	signer Signer,
	log harvest.DeliveryLog,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Deliverer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Deliverer{
		client:  client,
		signer:  signer,
		log:     log,
		clock:   clock,
		policy:  policy,
		source:  cfg.Source,
		timeout: cfg.Timeout,
		logger:  logger.Named("webhook"),
	}
}

// deliveryError is one failed attempt. It tells the retry policy whether the
// receiver may accept a later attempt.
type deliveryError struct {
	status    int
	err       error
	retryable bool
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("webhook delivery failed: %v", e.err)
	}
	return fmt.Sprintf("webhook delivery failed: status %d", e.status)
}

func (e *deliveryError) Unwrap() error   { return e.err }
func (e *deliveryError) Retryable() bool { return e.retryable }

// Deliver sends the job to its callback URL. Each attempt is signed with a
// fresh timestamp and appended to the delivery log. The job itself is never
// touched; the returned error only describes the delivery.
func (d *Deliverer) Deliver(ctx context.Context, job harvest.Job) error {
	if job.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(harvest.NewJobView(job, false))
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}
	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("callback_url", job.CallbackURL))

	policy := d.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		telemetry.ObserveRetry("webhook", "delivery")
		logger.Warn("webhook attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	outcome, err := policy.Execute(ctx, func(ctx context.Context, attempt int) error {
		return d.attempt(ctx, job, body, attempt, logger)
	})
	if err != nil {
		logger.Error("webhook delivery gave up", zap.Int("attempts", outcome.Attempts), zap.Error(err))
		return err
	}
	logger.Info("webhook delivered", zap.Int("attempts", outcome.Attempts))
	return nil
}

func (d *Deliverer) attempt(ctx context.Context, job harvest.Job, body []byte, attempt int, logger *zap.Logger) error {
	sentAt := d.clock.Now()
	record := harvest.DeliveryAttempt{JobID: job.ID, Attempt: attempt, SentAt: sentAt}

	status, sendErr := d.send(ctx, job, body, sentAt)
	record.DurationMs = d.clock.Now().Sub(sentAt).Milliseconds()
	if status > 0 {
		code := status
		record.ResponseStatus = &code
	}

	var result error
	switch {
	case sendErr != nil:
		result = &deliveryError{err: sendErr, retryable: true}
	case status >= 200 && status < 300:
	default:
		result = &deliveryError{status: status, retryable: retryableStatus(status)}
	}
	if result != nil {
		record.Error = result.Error()
	}

	telemetry.ObserveWebhookAttempt(attemptOutcome(status, sendErr))
	if err := d.log.AppendAttempt(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("failed to record webhook attempt", zap.Int("attempt", attempt), zap.Error(err))
	}
	logger.Debug("webhook attempt finished",
		zap.Int("attempt", attempt),
		zap.Int("status", status),
		zap.Int64("duration_ms", record.DurationMs),
	)
	return result
}

func (d *Deliverer) send(ctx context.Context, job harvest.Job, body []byte, sentAt time.Time) (int, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	ts := sentAt.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, d.signer.Sign(ts, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderJobID, job.ID)
	if d.source != "" {
		req.Header.Set(HeaderSource, d.source)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func attemptOutcome(status int, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case status >= 200 && status < 300:
		return "delivered"
	case retryableStatus(status):
		return "retryable_status"
	default:
		return "rejected"
	}
}
