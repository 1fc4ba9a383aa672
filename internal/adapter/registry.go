// Package adapter resolves scrape requests to site adapters and invokes them
// behind the per-target circuit breaker and the retry policy.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// ErrUnsupportedSite is returned when no adapter is registered for a request.
// It is a configuration error and is never retried.
var ErrUnsupportedSite = errors.New("unsupported site")

// Adapter scrapes one site.
type Adapter interface {
	Scrape(ctx context.Context, request harvest.ScrapeRequest) (harvest.Extraction, error)
}

// Matcher is implemented by adapters that recognize their own URLs.
type Matcher interface {
	Matches(target *url.URL) bool
}

// Registry maps site keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under siteKey.
func (r *Registry) Register(siteKey string, a Adapter) error {
	key := normalizeKey(siteKey)
	if key == "" {
		return fmt.Errorf("site key is required")
	}
	if a == nil {
		return fmt.Errorf("adapter for %q is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("adapter for %q already registered", key)
	}
	r.adapters[key] = a
	r.order = append(r.order, key)
	return nil
}

// Resolve picks the adapter for a request: the explicit site key when set,
// otherwise the first registered adapter whose Matcher accepts the target URL.
func (r *Registry) Resolve(request harvest.ScrapeRequest) (string, Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key := normalizeKey(request.Site); key != "" {
		a, ok := r.adapters[key]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedSite, request.Site)
		}
		return key, a, nil
	}

	target, err := url.Parse(request.TargetURL)
	if err != nil || target.Host == "" {
		return "", nil, fmt.Errorf("%w: cannot infer site from %q", ErrUnsupportedSite, request.TargetURL)
	}
	for _, key := range r.order {
		if m, ok := r.adapters[key].(Matcher); ok && m.Matches(target) {
			return key, r.adapters[key], nil
		}
	}
	return "", nil, fmt.Errorf("%w: no adapter for host %q", ErrUnsupportedSite, target.Hostname())
}

// Sites lists the registered site keys in sorted order.
func (r *Registry) Sites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// HostMatcher accepts URLs whose host equals one of Hosts or is a subdomain of one.
type HostMatcher struct {
	Hosts []string
}

// Matches implements Matcher.
func (m HostMatcher) Matches(target *url.URL) bool {
	if target == nil {
		return false
	}
	host := strings.ToLower(target.Hostname())
	for _, candidate := range m.Hosts {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}
