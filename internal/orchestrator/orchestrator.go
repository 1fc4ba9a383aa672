// Package orchestrator owns the job lifecycle: idempotent creation, sync and
// async execution, cancellation, recovery and retention.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// Enqueuer hands a job to the async worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item harvest.QueueItem) error
}

// Runner executes one job to a terminal status.
type Runner interface {
	Process(ctx context.Context, jobID string) (harvest.Job, error)
}

// SiteResolver maps a request to the site that will serve it.
type SiteResolver interface {
	Resolve(request harvest.ScrapeRequest) (string, adapter.Adapter, error)
}

// TemplateChecker reports whether a response template exists.
type TemplateChecker interface {
	HasTemplate(language, templateID string) bool
}

// CallbackValidator rejects callback URLs the service must not call.
type CallbackValidator interface {
	Validate(raw string) error
}

// Config controls lifecycle timing.
type Config struct {
	SyncTimeout     time.Duration
	JobTimeout      time.Duration
	IdempotencyTTL  time.Duration
	JobRetention    time.Duration
	StaleAfter      time.Duration
	JanitorInterval time.Duration
	DefaultLanguage string
}

// Deps are the collaborators of an Orchestrator. Deliveries, Templates and
// Callbacks are optional.
type Deps struct {
	Store       harvest.JobStore
	Idempotency harvest.IdempotencyIndex
	Queue       Enqueuer
	Deliveries  harvest.DeliveryLog
	Runner      Runner
	IDs         harvest.IDGenerator
	Hasher      harvest.Hasher
	Clock       harvest.Clock
	Sites       SiteResolver
	Templates   TemplateChecker
	Callbacks   CallbackValidator
}

// Submission is a scrape request plus the delivery and dedup options that
// travel with it.
type Submission struct {
	Request        harvest.ScrapeRequest
	CallbackURL    string
	IdempotencyKey string
}

// Orchestrator creates and runs jobs.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
	waiters  map[string][]chan struct{}
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 120 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Hour
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "pt"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Submit creates a queued job and hands it to the worker pool. When the
// idempotency key already maps to a job for the same request, that job is
// returned with created=false and nothing is enqueued.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (harvest.Job, bool, error) {
	job, created, err := o.create(ctx, sub)
	if err != nil || !created {
		return job, created, err
	}
	item := harvest.QueueItem{JobID: job.ID, Submitted: job.CreatedAt.Unix()}
	if err := o.deps.Queue.Enqueue(ctx, item); err != nil {
		o.discard(job)
		return harvest.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	o.logger.Info("job queued", zap.String("job_id", job.ID), zap.String("site", job.Request.Site))
	return job, true, nil
}

// Run creates a job and executes it inline, bounded by the sync timeout. A
// duplicate submission waits for the original job instead of scraping again.
func (o *Orchestrator) Run(ctx context.Context, sub Submission) (harvest.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	defer cancel()

	job, created, err := o.create(ctx, sub)
	if err != nil {
		return harvest.Job{}, err
	}
	if !created {
		if job.Status.Terminal() {
			return job, nil
		}
		return o.Wait(ctx, job.ID)
	}
	return o.Execute(ctx, job.ID)
}

func (o *Orchestrator) create(ctx context.Context, sub Submission) (harvest.Job, bool, error) {
	request, err := o.validate(sub)
	if err != nil {
		return harvest.Job{}, false, err
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return harvest.Job{}, false, fmt.Errorf("generate job id: %w", err)
	}
	now := o.deps.Clock.Now()
	job := harvest.Job{
		ID:             id,
		IdempotencyKey: sub.IdempotencyKey,
		Status:         harvest.JobStatusQueued,
		Request:        request,
		CallbackURL:    sub.CallbackURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// The job exists before its key is reserved so a concurrent duplicate
	// always finds the job the key points at.
	if err := o.deps.Store.CreateJob(ctx, job); err != nil {
		return harvest.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if sub.IdempotencyKey == "" {
		o.logger.Info("job created", zap.String("job_id", id))
		return job, true, nil
	}

	existing, err := o.reserve(ctx, job, request, sub)
	if err != nil || existing.ID != job.ID {
		if delErr := o.deps.Store.DeleteJob(context.WithoutCancel(ctx), job.ID); delErr != nil {
			o.logger.Warn("failed to drop duplicate job", zap.String("job_id", job.ID), zap.Error(delErr))
		}
		if err != nil {
			return harvest.Job{}, false, err
		}
		o.logger.Info("job deduplicated",
			zap.String("job_id", existing.ID),
			zap.String("idempotency_key", sub.IdempotencyKey),
		)
		return existing, false, nil
	}
	o.logger.Info("job created", zap.String("job_id", id), zap.String("idempotency_key", sub.IdempotencyKey))
	return job, true, nil
}

// reserve claims the idempotency key for job or returns the job that already
// owns it.
func (o *Orchestrator) reserve(
	ctx context.Context,
	job harvest.Job,
	request harvest.ScrapeRequest,
	sub Submission,
) (harvest.Job, error) {
	fingerprint, err := o.fingerprint(request, sub.CallbackURL)
	if err != nil {
		return harvest.Job{}, err
	}
	entry := harvest.IdempotencyEntry{
		Key:         sub.IdempotencyKey,
		JobID:       job.ID,
		Fingerprint: fingerprint,
		ExpiresAt:   job.CreatedAt.Add(o.cfg.IdempotencyTTL),
	}
	for range 2 {
		current, reserved, err := o.deps.Idempotency.Reserve(ctx, entry, job.CreatedAt)
		if err != nil {
			return harvest.Job{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			return job, nil
		}
		if current.Fingerprint != fingerprint {
			return harvest.Job{}, fmt.Errorf("%w: key %q", harvest.ErrIdempotencyConflict, sub.IdempotencyKey)
		}
		owner, err := o.GetJob(ctx, current.JobID)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, harvest.ErrJobNotFound) {
			return harvest.Job{}, err
		}
		// The owning job was evicted. Only that owner's entry is dropped, so a
		// concurrent caller that already took the key over keeps it.
		if err := o.deps.Idempotency.Release(ctx, sub.IdempotencyKey, current.JobID); err != nil {
			return harvest.Job{}, fmt.Errorf("release idempotency key: %w", err)
		}
	}
	return harvest.Job{}, fmt.Errorf("%w: key %q is contended", harvest.ErrIdempotencyConflict, sub.IdempotencyKey)
}

func (o *Orchestrator) fingerprint(request harvest.ScrapeRequest, callbackURL string) (string, error) {
	canonical, err := json.Marshal(struct {
		Request     harvest.ScrapeRequest `json:"request"`
		CallbackURL string                `json:"callback_url"`
	}{request, callbackURL})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}
	sum, err := o.deps.Hasher.Hash(canonical)
	if err != nil {
		return "", fmt.Errorf("hash fingerprint: %w", err)
	}
	return sum, nil
}

func (o *Orchestrator) validate(sub Submission) (harvest.ScrapeRequest, error) {
	request := sub.Request
	request.TargetURL = strings.TrimSpace(request.TargetURL)
	target, err := url.Parse(request.TargetURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return request, fmt.Errorf("%w: target_url must be an absolute http(s) url", harvest.ErrInvalidRequest)
	}
	if request.Language == "" {
		request.Language = o.cfg.DefaultLanguage
	}
	request.Language = strings.ToLower(request.Language)
	if sub.CallbackURL != "" && o.deps.Callbacks != nil {
		if err := o.deps.Callbacks.Validate(sub.CallbackURL); err != nil {
			return request, fmt.Errorf("%w: %v", harvest.ErrInvalidRequest, err)
		}
	}
	if request.IncludeGeneration && request.ResponseTemplateID != "" && o.deps.Templates != nil &&
		!o.deps.Templates.HasTemplate(request.Language, request.ResponseTemplateID) {
		return request, fmt.Errorf("%w: unknown response_template_id %q", harvest.ErrInvalidRequest, request.ResponseTemplateID)
	}
	site, _, err := o.deps.Sites.Resolve(request)
	if err != nil {
		return request, err
	}
	request.Site = site
	return request, nil
}

// discard undoes a creation whose job never reached the queue.
func (o *Orchestrator) discard(job harvest.Job) {
	ctx := context.Background()
	if err := o.deps.Store.DeleteJob(ctx, job.ID); err != nil {
		o.logger.Warn("failed to drop unqueued job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.IdempotencyKey != "" {
		if err := o.deps.Idempotency.Release(ctx, job.IdempotencyKey, job.ID); err != nil {
			o.logger.Warn("failed to release idempotency key", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// Execute runs a queued job. Cancel reaches the job through the context
// registered here; a job canceled while still queued starts with a done context.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (harvest.Job, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	if o.cfg.JobTimeout > 0 {
		jobCtx, cancel = withTimeout(jobCtx, cancel, o.cfg.JobTimeout)
	}
	defer cancel()

	o.mu.Lock()
	if _, flagged := o.canceled[jobID]; flagged {
		delete(o.canceled, jobID)
		cancel()
	}
	o.running[jobID] = cancel
	o.mu.Unlock()

	job, err := o.deps.Runner.Process(jobCtx, jobID)

	o.mu.Lock()
	delete(o.running, jobID)
	waiters := o.waiters[jobID]
	delete(o.waiters, jobID)
	o.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return job, err
}

func withTimeout(ctx context.Context, parent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	timed, cancel := context.WithTimeout(ctx, d)
	return timed, func() {
		cancel()
		parent()
	}
}

// GetJob returns a job. Jobs past their retention window are reported as not
// found even before the janitor evicts them.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, err
	}
	if o.deps.Clock.Now().Sub(job.UpdatedAt) > o.retention(job.Status) {
		return harvest.Job{}, harvest.ErrJobNotFound
	}
	return job, nil
}

// retention is how long a job in status outlives its last update. Unfinished
// jobs are kept one stale window longer so they are reported before eviction.
func (o *Orchestrator) retention(status harvest.JobStatus) time.Duration {
	if status.Terminal() {
		return o.cfg.JobRetention
	}
	return o.cfg.JobRetention + o.cfg.StaleAfter
}

// Cancel stops a job. A running job has its context canceled; a queued job
// is flagged and fails with CANCELED as soon as a worker picks it up.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, err
	}
	if job.Status.Terminal() {
		return job, harvest.ErrJobFinished
	}
	o.mu.Lock()
	if cancel, ok := o.running[jobID]; ok {
		cancel()
	} else {
		o.canceled[jobID] = struct{}{}
	}
	o.mu.Unlock()
	o.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
	return job, nil
}

const waitPoll = 250 * time.Millisecond

// Wait blocks until the job is terminal or ctx ends. Jobs run by this process
// wake the waiter directly; jobs run elsewhere are polled.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (harvest.Job, error) {
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		ch := make(chan struct{})
		o.mu.Lock()
		o.waiters[jobID] = append(o.waiters[jobID], ch)
		o.mu.Unlock()

		job, err := o.GetJob(ctx, jobID)
		if err != nil {
			o.dropWaiter(jobID, ch)
			return harvest.Job{}, err
		}
		if job.Status.Terminal() {
			o.dropWaiter(jobID, ch)
			return job, nil
		}
		select {
		case <-ch:
		case <-ticker.C:
			o.dropWaiter(jobID, ch)
		case <-ctx.Done():
			o.dropWaiter(jobID, ch)
			return job, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		}
	}
}

func (o *Orchestrator) dropWaiter(jobID string, ch chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[jobID]
	for i, candidate := range list {
		if candidate == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.waiters, jobID)
		return
	}
	o.waiters[jobID] = list
}

// Deliveries returns the webhook attempt log of a job.
func (o *Orchestrator) Deliveries(ctx context.Context, jobID string) ([]harvest.DeliveryAttempt, error) {
	if _, err := o.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if o.deps.Deliveries == nil {
		return []harvest.DeliveryAttempt{}, nil
	}
	attempts, err := o.deps.Deliveries.ListAttempts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return attempts, nil
}
