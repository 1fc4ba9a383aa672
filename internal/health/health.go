// Package health reports liveness and readiness of the service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/breaker"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Readiness statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Pinger checks that a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// BreakerSource exposes circuit breaker states.
type BreakerSource interface {
	Snapshot() []breaker.Snapshot
}

// Report is the readiness payload.
type Report struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Circuits map[string]string `json:"circuits"`
}

// Checker probes registered backends.
type Checker struct {
	mu       sync.RWMutex
	pingers  map[string]Pinger
	breakers BreakerSource
	timeout  time.Duration
}

// NewChecker returns a Checker. breakers may be nil.
func NewChecker(breakers BreakerSource, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{pingers: make(map[string]Pinger), breakers: breakers, timeout: timeout}
}

// Register adds a named backend probe.
func (c *Checker) Register(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingers[name] = p
}

// Ready pings every backend concurrently. It is down when any backend is
// unreachable; open circuits only degrade it because the service can still
// answer for other targets.
func (c *Checker) Ready(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.pingers))
	for name := range c.pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	pingers := make([]Pinger, len(names))
	for i, name := range names {
		pingers[i] = c.pingers[name]
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = pingers[i].Ping(ctx)
		}(i)
	}
	wg.Wait()

	report := Report{Status: StatusOK, Checks: make(map[string]string, len(names)), Circuits: map[string]string{}}
	for i, name := range names {
		telemetry.SetDependencyUp(name, results[i] == nil)
		if results[i] != nil {
			report.Checks[name] = results[i].Error()
			report.Status = StatusDown
			continue
		}
		report.Checks[name] = StatusOK
	}
	if c.breakers != nil {
		for _, snap := range c.breakers.Snapshot() {
			report.Circuits[snap.Target] = snap.State.String()
			if snap.State == breaker.StateOpen && report.Status == StatusOK {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}
