package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/breaker"
	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/retry"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// pauser is implemented by limiters that can hold a host back after it
// answered with Retry-After.
type pauser interface {
	Pause(rawURL string, d time.Duration)
}

// Report describes how a scrape was executed.
type Report struct {
	Site     string
	Attempts int
	Delays   []time.Duration
}

// Scraper invokes adapters as Retry(Breaker(adapter)).
type Scraper struct {
	registry *Registry
	breakers *breaker.Registry
	policy   retry.Policy
	limiter  Limiter
	logger   *zap.Logger
}

// NewScraper wires a Scraper. limiter may be nil.
func NewScraper(
	registry *Registry,
	breakers *breaker.Registry,
	policy retry.Policy,
	limiter Limiter,
	logger *zap.Logger,
) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		registry: registry,
		breakers: breakers,
		policy:   policy,
		limiter:  limiter,
		logger:   logger,
	}
}

// TripsBreaker reports whether err counts against a target's circuit. A
// NotFound answer means the target is healthy, and a canceled call says
// nothing about it.
func TripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return failure.KindOf(err) != failure.KindNotFound
}

// Scrape resolves the adapter for request and runs it. The returned error is
// ErrUnsupportedSite, a *breaker.OpenError, a *failure.Failure, or a context
// error when the caller gave up.
func (s *Scraper) Scrape(ctx context.Context, request harvest.ScrapeRequest) (harvest.Extraction, Report, error) {
	site, a, err := s.registry.Resolve(request)
	if err != nil {
		return harvest.Extraction{}, Report{}, err
	}
	logger := s.logger.With(zap.String("site", site), zap.String("target_url", request.TargetURL))

	policy := s.policy
	userHook := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		telemetry.ObserveRetry("scrape", string(failure.KindOf(err)))
		logger.Warn("scrape attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}

	extraction, outcome, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (harvest.Extraction, error) {
		return s.attempt(ctx, site, a, request, attempt, logger)
	})
	report := Report{Site: site, Attempts: outcome.Attempts, Delays: outcome.Delays}
	if err != nil {
		return harvest.Extraction{}, report, err
	}
	return extraction, report, nil
}

func (s *Scraper) attempt(
	ctx context.Context,
	site string,
	a Adapter,
	request harvest.ScrapeRequest,
	attempt int,
	logger *zap.Logger,
) (harvest.Extraction, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, request.TargetURL); err != nil {
			return harvest.Extraction{}, fmt.Errorf("attempt %d: %w", attempt, err)
		}
	}
	var extraction harvest.Extraction
	err := s.breakers.Call(ctx, site, func(ctx context.Context) error {
		var scrapeErr error
		extraction, scrapeErr = a.Scrape(ctx, request)
		return failure.Classify(scrapeErr)
	})
	telemetry.ObserveScrapeAttempt(site, attemptOutcome(err))
	if err != nil {
		s.maybePause(request.TargetURL, err)
		logger.Debug("scrape attempt finished", zap.Int("attempt", attempt), zap.Error(err))
		return harvest.Extraction{}, err
	}
	logger.Debug("scrape attempt succeeded", zap.Int("attempt", attempt), zap.Int("items", len(extraction.Items)))
	return extraction, nil
}

func (s *Scraper) maybePause(target string, err error) {
	p, ok := s.limiter.(pauser)
	if !ok {
		return
	}
	if f, isFailure := failure.As(err); isFailure && f.Kind == failure.KindRateLimited {
		p.Pause(target, f.RetryAfter())
	}
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return string(failure.KindOf(err))
	}
}
