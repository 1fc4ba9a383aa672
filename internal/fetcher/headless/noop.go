package headless

import (
	"context"

	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// Noop stands in for the browser fetcher when headless rendering is disabled.
// Sites that require a rendered page fail with a non-retryable failure.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	return harvest.FetchResponse{}, failure.New(failure.KindUnknown, "headless fetcher not configured").
		WithRetryable(false).
		With("url", request.URL)
}
