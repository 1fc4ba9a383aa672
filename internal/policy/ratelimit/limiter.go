// Package ratelimit implements a token bucket rate limiter for per-host fetch pacing.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Limiter manages per-host rate limits. A host can additionally be paused,
// e.g. after it answered with Retry-After.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	pausedUntil  map[string]time.Time
	overrides    map[string]rate.Limit
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Overrides maps a host name to its own requests-per-second budget.
	Overrides map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.Overrides))
	for host, rps := range cfg.Overrides {
		overrides[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		pausedUntil:  make(map[string]time.Time),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		now:          time.Now,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limit := l.defaultRate
		if override, ok := l.overrides[domain]; ok {
			limit = override
		}
		limiter = rate.NewLimiter(limit, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	pause := l.pausedUntil[domain].Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not worth a histogram sample.
	if duration := time.Since(start); duration > time.Millisecond {
		telemetry.ObserveRateLimitDelay(domain, duration)
	}
	return nil
}

// Pause holds back every request to the URL's host for d. A shorter pause
// never shortens one already in effect.
func (l *Limiter) Pause(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	domain := hostOf(rawURL)
	until := l.now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.pausedUntil[domain]) {
		l.pausedUntil[domain] = until
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
