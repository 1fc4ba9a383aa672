package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/breaker"
	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/logging"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Scraper runs a scrape request through the protected adapter chain.
type Scraper interface {
	Scrape(ctx context.Context, request harvest.ScrapeRequest) (harvest.Extraction, adapter.Report, error)
}

// Notifier hands a finished job to webhook delivery.
type Notifier interface {
	Notify(ctx context.Context, job harvest.Job) error
}

// Config controls Pipeline behavior.
type Config struct {
	ContentType      string
	BlobPrefix       string
	ArchiveSnapshots bool
	Topic            string
}

// Deps are the collaborators of a Pipeline. Blob store, publisher, analyzer,
// responder, sanitizer and notifier are optional.
type Deps struct {
	Store     harvest.JobStore
	Scraper   Scraper
	BlobStore harvest.BlobStore
	Publisher harvest.Publisher
	Hasher    harvest.Hasher
	Clock     harvest.Clock
	Analyzer  harvest.Analyzer
	Responder harvest.Responder
	Sanitizer harvest.Sanitizer
	Notifier  Notifier
}

// Pipeline executes one job: running transition, protected scrape,
// enrichment, terminal transition, then event and webhook fan-out.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}
}

// Process runs jobID to a terminal status. A job that is no longer queued is
// left alone and returned with harvest.ErrInvalidTransition. If ctx is already
// done when the job starts, the job fails with CANCELED without scraping.
func (p *Pipeline) Process(ctx context.Context, jobID string) (harvest.Job, error) {
	logger := p.logger.With(zap.String("job_id", jobID))
	started := p.deps.Clock.Now()

	job, err := p.deps.Store.MarkRunning(context.WithoutCancel(ctx), jobID, started)
	if err != nil {
		logger.Warn("job not started", zap.Error(err))
		return job, fmt.Errorf("mark running: %w", err)
	}
	logger = p.logger.With(logging.JobFields(jobID, job.Request.Site, job.Request.TargetURL)...)
	logger.Info("job started")

	ctx, span := telemetry.StartSpan(ctx, "harvest.job",
		attribute.String("job.id", jobID),
		attribute.String("job.target_url", job.Request.TargetURL),
	)

	var final harvest.Job
	var runErr error
	if ctx.Err() != nil {
		final, runErr = p.fail(ctx, job, p.errorFor(ctx, ctx.Err()))
	} else {
		final, runErr = p.run(ctx, job, started, logger)
	}
	telemetry.EndSpan(span, runErr)
	if runErr != nil {
		return final, runErr
	}

	p.finish(ctx, final, started, logger)
	return final, nil
}

func (p *Pipeline) run(ctx context.Context, job harvest.Job, started time.Time, logger *zap.Logger) (harvest.Job, error) {
	extraction, report, err := p.deps.Scraper.Scrape(ctx, job.Request)
	if err != nil {
		jobErr := p.errorFor(ctx, err)
		if jobErr.Context == nil {
			jobErr.Context = map[string]string{}
		}
		if report.Attempts > 0 {
			jobErr.Context["attempts"] = strconv.Itoa(report.Attempts)
		}
		logger.Warn("scrape failed", zap.String("code", jobErr.Code), zap.Int("attempts", report.Attempts), zap.Error(err))
		return p.fail(ctx, job, jobErr)
	}

	result, err := p.buildResult(ctx, job, extraction, report, started)
	if err != nil {
		logger.Error("enrichment failed", zap.Error(err))
		return p.fail(ctx, job, harvest.JobError{
			Code:    string(failure.KindUnknown),
			Message: err.Error(),
			Context: map[string]string{"stage": "enrich"},
		})
	}

	completed, err := p.deps.Store.CompleteJob(context.WithoutCancel(ctx), job.ID, result, p.deps.Clock.Now())
	if err != nil {
		return completed, fmt.Errorf("complete job: %w", err)
	}
	logger.Info("job completed", zap.Int("items", len(result.Items)), zap.Int("attempts", report.Attempts))
	return completed, nil
}

func (p *Pipeline) buildResult(
	ctx context.Context,
	job harvest.Job,
	extraction harvest.Extraction,
	report adapter.Report,
	started time.Time,
) (harvest.ScrapeResult, error) {
	snapshotURI := p.archive(ctx, job.ID, extraction.Snapshot)
	if p.deps.Sanitizer != nil {
		extraction = p.deps.Sanitizer.Sanitize(extraction)
	}

	result := harvest.ScrapeResult{
		Entity: extraction.Entity,
		Items:  extraction.Items,
		Meta:   job.Request.Meta,
	}
	if result.Items == nil {
		result.Items = []harvest.Review{}
	}
	if job.Request.IncludeAnalysis && p.deps.Analyzer != nil {
		analysis, err := p.deps.Analyzer.Analyze(ctx, result.Items, job.Request.Language)
		if err != nil {
			return harvest.ScrapeResult{}, fmt.Errorf("analyze: %w", err)
		}
		result.Analysis = &analysis
	}
	if job.Request.IncludeGeneration && p.deps.Responder != nil {
		generation, err := p.deps.Responder.Respond(ctx, job.Request, result.Entity, result.Items)
		if err != nil {
			return harvest.ScrapeResult{}, fmt.Errorf("generate responses: %w", err)
		}
		result.Generation = &generation
	}

	finished := p.deps.Clock.Now()
	source := extraction.SourceURL
	if source == "" {
		source = job.Request.TargetURL
	}
	result.Metrics = harvest.Metrics{
		ItemCount:    len(result.Items),
		Attempts:     report.Attempts,
		DurationMs:   finished.Sub(started).Milliseconds(),
		StartedAt:    started,
		FinishedAt:   finished,
		Source:       source,
		UsedHeadless: extraction.UsedHeadless,
		SnapshotURI:  snapshotURI,
	}
	return result, nil
}

// archive stores the raw page and returns its URI. Archive failures only lose
// the snapshot.
func (p *Pipeline) archive(ctx context.Context, jobID string, snapshot []byte) string {
	if !p.cfg.ArchiveSnapshots || p.deps.BlobStore == nil || len(snapshot) == 0 {
		return ""
	}
	hash, err := p.deps.Hasher.Hash(snapshot)
	if err != nil {
		p.logger.Warn("hash snapshot failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	uri, err := p.deps.BlobStore.PutObject(ctx, p.buildBlobPath(jobID, hash), p.cfg.ContentType, bytes.NewReader(snapshot))
	if err != nil {
		p.logger.Warn("archive snapshot failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (p *Pipeline) fail(ctx context.Context, job harvest.Job, jobErr harvest.JobError) (harvest.Job, error) {
	failed, err := p.deps.Store.FailJob(context.WithoutCancel(ctx), job.ID, jobErr, p.deps.Clock.Now())
	if err != nil {
		return failed, fmt.Errorf("fail job: %w", err)
	}
	p.logger.Info("job failed", zap.String("job_id", job.ID), zap.String("code", jobErr.Code))
	return failed, nil
}

// errorFor maps a scrape error to the envelope stored on the job.
func (p *Pipeline) errorFor(ctx context.Context, err error) harvest.JobError {
	var open *breaker.OpenError
	switch {
	case errors.Is(err, adapter.ErrUnsupportedSite):
		return harvest.JobError{Code: harvest.CodeUnsupportedSite, Message: err.Error()}
	case errors.As(err, &open):
		jobErr := harvest.JobError{
			Code:      harvest.CodeCircuitOpen,
			Message:   err.Error(),
			Retryable: true,
			Context:   map[string]string{"target": open.Target},
		}
		if open.RetryAfter > 0 {
			jobErr.Context["retry_after"] = strconv.Itoa(int(open.RetryAfter.Seconds()))
		}
		return jobErr
	case errors.Is(ctx.Err(), context.Canceled):
		return harvest.JobError{Code: harvest.CodeCanceled, Message: "job canceled"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return harvest.JobError{
			Code:    harvest.CodeCanceled,
			Message: "job deadline exceeded",
			Context: map[string]string{"reason": "deadline_exceeded"},
		}
	}
	if f, ok := failure.As(err); ok {
		jobErr := harvest.JobError{Code: string(f.Kind), Message: f.Message, Retryable: f.Retryable}
		if len(f.Context) > 0 {
			jobErr.Context = make(map[string]string, len(f.Context))
			for k, v := range f.Context {
				jobErr.Context[k] = v
			}
		}
		return jobErr
	}
	return harvest.JobError{Code: string(failure.KindUnknown), Message: err.Error()}
}

// finish records metrics and fans the terminal job out to subscribers. None
// of these steps can change the job's outcome.
func (p *Pipeline) finish(ctx context.Context, job harvest.Job, started time.Time, logger *zap.Logger) {
	site := job.Request.Site
	telemetry.ObserveJob(string(job.Status))
	telemetry.ObserveJobDuration(site, string(job.Status), p.deps.Clock.Now().Sub(started))

	detached := context.WithoutCancel(ctx)
	if p.deps.Publisher != nil && p.cfg.Topic != "" {
		if _, err := p.deps.Publisher.Publish(detached, p.cfg.Topic, eventFor(job, p.deps.Clock.Now())); err != nil {
			logger.Warn("publish job event failed", zap.Error(err))
		}
	}
	if p.deps.Notifier != nil && job.CallbackURL != "" {
		if err := p.deps.Notifier.Notify(detached, job); err != nil {
			logger.Warn("queue webhook failed", zap.Error(err))
		}
	}
}

func eventFor(job harvest.Job, now time.Time) harvest.JobEvent {
	event := harvest.JobEvent{
		Type:       harvest.EventJobCompleted,
		JobID:      job.ID,
		Status:     job.Status,
		Site:       job.Request.Site,
		OccurredAt: now,
	}
	if job.Result != nil {
		event.ItemCount = len(job.Result.Items)
	}
	if job.Status == harvest.JobStatusFailed {
		event.Type = harvest.EventJobFailed
		if job.Error != nil {
			event.ErrorCode = job.Error.Code
		}
	}
	return event
}
