// Package breaker provides a keyed circuit breaker registry for unreliable targets.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is matched (errors.Is) by every rejection from an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// errPanicked records a failure for operations that panicked.
var errPanicked = errors.New("operation panicked")

// errAbandoned marks a failed call whose caller context had already finished.
var errAbandoned = errors.New("caller abandoned the call")

// State represents the state of one circuit.
type State int

const (
	// StateClosed means calls are allowed.
	StateClosed State = iota
	// StateOpen means calls are rejected until the cooldown elapses.
	StateOpen
	// StateHalfOpen means a single trial call is in flight.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpenError is returned while a circuit rejects calls.
type OpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker is open for %s: retry after %s", e.Target, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker is open for %s: trial in flight", e.Target)
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Retryable reports that an open circuit is never retried by the caller.
func (e *OpenError) Retryable() bool {
	return false
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures every circuit in a registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int
	// Cooldown is how long a circuit stays open before admitting a trial call.
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the target. Errors it
	// rejects count as successes: the target answered.
	IsFailure func(error) bool
	// OnStateChange is called after a transition, outside the circuit lock.
	OnStateChange func(target string, from, to State)
	Clock         Clock
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Target              string     `json:"target"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

type circuit struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

type transition struct {
	from, to State
}

// Registry holds one circuit per target key.
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Registry{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
	}
}

// Call runs op under the circuit for target. While the circuit is open op is
// never invoked and an *OpenError is returned. A failure that coincides with
// ctx finishing is not held against the target: the caller ran out of patience,
// which says nothing about the target's health.
func (r *Registry) Call(ctx context.Context, target string, op func(ctx context.Context) error) error {
	c := r.circuit(target)
	trial, err := r.admit(target, c)
	if err != nil {
		return err
	}

	finished := false
	defer func() {
		if !finished {
			r.record(target, c, trial, errPanicked)
		}
	}()
	opErr := op(ctx)
	finished = true
	outcome := opErr
	if opErr != nil && ctx.Err() != nil {
		outcome = errAbandoned
	}
	r.record(target, c, trial, outcome)
	return opErr
}

func (r *Registry) circuit(target string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[target]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[target] = c
	}
	return c
}

func (r *Registry) admit(target string, c *circuit) (bool, error) {
	c.mu.Lock()
	var (
		trial bool
		err   error
		moved *transition
	)
	switch c.state {
	case StateClosed:
	case StateOpen:
		elapsed := r.cfg.Clock.Now().Sub(c.openedAt)
		if elapsed < r.cfg.Cooldown {
			err = &OpenError{Target: target, RetryAfter: r.cfg.Cooldown - elapsed}
			break
		}
		moved = c.moveTo(StateHalfOpen)
		c.trialInFlight = true
		trial = true
	case StateHalfOpen:
		if c.trialInFlight {
			err = &OpenError{Target: target}
			break
		}
		c.trialInFlight = true
		trial = true
	}
	c.mu.Unlock()
	r.notify(target, moved)
	return trial, err
}

func (r *Registry) record(target string, c *circuit, trial bool, err error) {
	now := r.cfg.Clock.Now()
	c.mu.Lock()
	var moved *transition
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, errAbandoned):
		// The caller gave up; the outcome says nothing about the target.
		if trial {
			c.trialInFlight = false
			moved = c.moveTo(StateOpen)
		}
	case err != nil && r.cfg.IsFailure(err):
		c.failures++
		switch {
		case trial:
			c.trialInFlight = false
			c.openedAt = now
			moved = c.moveTo(StateOpen)
		case c.state == StateClosed && c.failures >= r.cfg.FailureThreshold:
			c.openedAt = now
			moved = c.moveTo(StateOpen)
		}
	default:
		switch {
		case trial:
			c.trialInFlight = false
			c.failures = 0
			c.openedAt = time.Time{}
			moved = c.moveTo(StateClosed)
		case c.state == StateClosed:
			c.failures = 0
		}
	}
	c.mu.Unlock()
	r.notify(target, moved)
}

func (c *circuit) moveTo(next State) *transition {
	if c.state == next {
		return nil
	}
	t := &transition{from: c.state, to: next}
	c.state = next
	return t
}

func (r *Registry) notify(target string, t *transition) {
	if t == nil || r.cfg.OnStateChange == nil {
		return
	}
	r.cfg.OnStateChange(target, t.from, t.to)
}

// State returns the state of target. Unknown targets are closed.
func (r *Registry) State(target string) State {
	r.mu.Lock()
	c, ok := r.circuits[target]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns every known circuit ordered by target.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	targets := make([]string, 0, len(r.circuits))
	circuits := make(map[string]*circuit, len(r.circuits))
	for target, c := range r.circuits {
		targets = append(targets, target)
		circuits[target] = c
	}
	r.mu.Unlock()
	sort.Strings(targets)

	out := make([]Snapshot, 0, len(targets))
	for _, target := range targets {
		c := circuits[target]
		c.mu.Lock()
		snap := Snapshot{
			Target:              target,
			State:               c.state,
			ConsecutiveFailures: c.failures,
		}
		if !c.openedAt.IsZero() {
			openedAt := c.openedAt
			snap.OpenedAt = &openedAt
		}
		c.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// States returns the state name of every known circuit keyed by target.
func (r *Registry) States() map[string]string {
	snaps := r.Snapshot()
	out := make(map[string]string, len(snaps))
	for _, s := range snaps {
		out[s.Target] = s.State.String()
	}
	return out
}

// Reset closes the circuit for target.
func (r *Registry) Reset(target string) {
	c := r.circuit(target)
	c.mu.Lock()
	c.failures = 0
	c.openedAt = time.Time{}
	c.trialInFlight = false
	moved := c.moveTo(StateClosed)
	c.mu.Unlock()
	r.notify(target, moved)
}
