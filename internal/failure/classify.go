package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// retryabler is implemented by errors outside the taxonomy that know whether
// they may be retried (for example an open circuit).
type retryabler interface {
	Retryable() bool
}

// Classify turns an arbitrary error into a taxonomy failure.
// Failures, cancellations and errors that carry their own retry decision are
// returned unchanged. Deadlines and network timeouts become NetworkTimeout and
// everything else becomes Unknown.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var r retryabler
	if errors.As(err, &r) {
		return err
	}
	if isTimeout(err) {
		return Wrap(KindNetworkTimeout, err, "operation timed out")
	}
	return Wrap(KindUnknown, err, "unclassified failure")
}

// IsRetryable reports whether another attempt may follow err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if f, ok := As(err); ok {
		return f.Retryable
	}
	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// FromHTTPStatus maps an HTTP status from the target site to a failure.
// It returns nil for statuses below 400.
func FromHTTPStatus(status int, header http.Header) *Failure {
	if status < http.StatusBadRequest {
		return nil
	}
	var f *Failure
	switch status {
	case http.StatusNotFound, http.StatusGone:
		f = New(KindNotFound, "target page not found")
	case http.StatusTooManyRequests:
		f = New(KindRateLimited, "target rate limited the request")
		if wait := parseRetryAfter(header.Get("Retry-After")); wait > 0 {
			f = f.With(ContextRetryAfter, strconv.Itoa(int(wait.Seconds())))
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		f = New(KindSessionExpired, "target rejected the session")
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		f = New(KindNetworkTimeout, "target timed out")
	default:
		f = New(KindUnknown, "unexpected target status")
	}
	return f.With("status", strconv.Itoa(status))
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait.Round(time.Second)
		}
	}
	return 0
}
