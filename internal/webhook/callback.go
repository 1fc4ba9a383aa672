package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidCallback is returned for callback URLs the service will not call.
var ErrInvalidCallback = errors.New("invalid callback url")

// CallbackPolicy decides which callback URLs jobs may carry.
type CallbackPolicy struct {
	// AllowInsecure permits plain http for any host.
	AllowInsecure bool
	// AllowedHosts restricts callbacks to these hosts (and their subdomains) when non-empty.
	AllowedHosts []string
}

// Validate returns nil when raw is an acceptable callback URL. Plain http is
// accepted for loopback hosts so local receivers work without TLS.
func (p CallbackPolicy) Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCallback, raw)
	}
	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowInsecure && !isLoopback(host) {
			return fmt.Errorf("%w: https is required for %s", ErrInvalidCallback, host)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCallback, u.Scheme)
	}
	if len(p.AllowedHosts) == 0 {
		return nil
	}
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %s is not allowed", ErrInvalidCallback, host)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
