// Package failure classifies scrape failures into a closed taxonomy.
//
// Every non-success outcome of a protected operation is a *Failure carrying a
// Kind, a human readable message, a retryable flag and free-form context.
// NotFound and InvalidSelector are permanent: no caller can make them retryable.
package failure

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Kind is one of the closed set of failure kinds.
type Kind string

// Failure kinds.
const (
	KindRateLimited     Kind = "RATE_LIMITED"
	KindNotFound        Kind = "NOT_FOUND"
	KindSessionExpired  Kind = "SESSION_EXPIRED"
	KindInvalidSelector Kind = "INVALID_SELECTOR"
	KindNetworkTimeout  Kind = "NETWORK_TIMEOUT"
	KindUnknown         Kind = "UNKNOWN"
)

// Kinds lists every failure kind.
var Kinds = []Kind{
	KindRateLimited,
	KindNotFound,
	KindSessionExpired,
	KindInvalidSelector,
	KindNetworkTimeout,
	KindUnknown,
}

// String returns the wire code of the kind.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k belongs to the taxonomy.
func (k Kind) Valid() bool {
	switch k {
	case KindRateLimited, KindNotFound, KindSessionExpired,
		KindInvalidSelector, KindNetworkTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Permanent reports whether the kind can never be retried.
func (k Kind) Permanent() bool {
	return k == KindNotFound || k == KindInvalidSelector
}

// ContextRetryAfter is the context key holding a server-provided wait in seconds.
const ContextRetryAfter = "retry_after"

// Failure is a typed scrape failure.
type Failure struct {
	Kind      Kind
	Message   string
	Retryable bool
	Context   map[string]string
	Err       error
}

// New creates a Failure with the default retryability of its kind.
func New(kind Kind, message string) *Failure {
	if !kind.Valid() {
		kind = KindUnknown
	}
	return &Failure{
		Kind:      kind,
		Message:   message,
		Retryable: !kind.Permanent(),
	}
}

// Newf creates a Failure with a formatted message.
func Newf(kind Kind, format string, args ...any) *Failure {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a Failure that keeps err as its cause.
func Wrap(kind Kind, err error, message string) *Failure {
	f := New(kind, message)
	f.Err = err
	return f
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// With returns a copy of f with an extra context entry.
func (f *Failure) With(key, value string) *Failure {
	cp := *f
	cp.Context = make(map[string]string, len(f.Context)+1)
	maps.Copy(cp.Context, f.Context)
	cp.Context[key] = value
	return &cp
}

// WithRetryable returns a copy of f with the retryable flag overridden.
// Permanent kinds stay non-retryable.
func (f *Failure) WithRetryable(retryable bool) *Failure {
	cp := *f
	cp.Retryable = retryable && !f.Kind.Permanent()
	return &cp
}

// RetryAfter returns the server-provided wait, if any.
func (f *Failure) RetryAfter() time.Duration {
	raw, ok := f.Context[ContextRetryAfter]
	if !ok {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// As extracts the *Failure from err, if any.
func As(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the kind of err. Untyped errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.Kind
	}
	return KindUnknown
}
