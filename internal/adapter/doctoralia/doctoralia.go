// Package doctoralia scrapes doctor profiles and patient reviews from Doctoralia.
package doctoralia

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// SiteKey is the registry key for this adapter.
const SiteKey = "doctoralia"

// Config controls how profiles are fetched and read.
type Config struct {
	Hosts         []string
	Selectors     Selectors
	ForceHeadless bool
	// MaxExpand bounds how many times "load more" is clicked in the browser.
	MaxExpand int
}

// Adapter fetches a profile with the static fetcher and promotes to the
// headless fetcher when the page is a script shell or hides reviews behind
// "load more".
type Adapter struct {
	adapter.HostMatcher
	cfg      Config
	probe    harvest.Fetcher
	headless harvest.Fetcher
	detector harvest.HeadlessDetector
	logger   *zap.Logger
}

// New builds an Adapter. headless and detector may be nil.
func New(
	cfg Config,
	probe harvest.Fetcher,
	headless harvest.Fetcher,
	detector harvest.HeadlessDetector,
	logger *zap.Logger,
) (*Adapter, error) {
	if probe == nil && !cfg.ForceHeadless {
		return nil, fmt.Errorf("doctoralia: probe fetcher is required")
	}
	if cfg.ForceHeadless && headless == nil {
		return nil, fmt.Errorf("doctoralia: force_headless requires a headless fetcher")
	}
	if cfg.Selectors.EntityName == "" || cfg.Selectors.Item == "" {
		cfg.Selectors = DefaultSelectors()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		HostMatcher: adapter.HostMatcher{Hosts: cfg.Hosts},
		cfg:         cfg,
		probe:       probe,
		headless:    headless,
		detector:    detector,
		logger:      logger.With(zap.String("site", SiteKey)),
	}, nil
}

// Scrape fetches and parses one profile page.
func (a *Adapter) Scrape(ctx context.Context, request harvest.ScrapeRequest) (harvest.Extraction, error) {
	if _, err := url.ParseRequestURI(request.TargetURL); err != nil {
		return harvest.Extraction{}, failure.New(failure.KindNotFound, "target url is not a valid URL").
			With("url", request.TargetURL)
	}
	resp, err := a.fetch(ctx, request.TargetURL)
	if err != nil {
		return harvest.Extraction{}, err
	}
	if f := failure.FromHTTPStatus(resp.StatusCode, resp.Headers); f != nil {
		return harvest.Extraction{}, f.With("url", resp.URL)
	}
	entity, items, err := Parse(resp.Body, a.cfg.Selectors, resp.URL)
	if err != nil {
		return harvest.Extraction{}, err
	}
	a.logger.Debug("profile parsed",
		zap.String("url", resp.URL),
		zap.Int("items", len(items)),
		zap.Bool("headless", resp.UsedHeadless),
	)
	return harvest.Extraction{
		Entity:       entity,
		Items:        items,
		SourceURL:    resp.URL,
		Snapshot:     resp.Body,
		UsedHeadless: resp.UsedHeadless,
	}, nil
}

func (a *Adapter) fetch(ctx context.Context, target string) (harvest.FetchResponse, error) {
	rendered := harvest.FetchRequest{
		URL:            target,
		UseHeadless:    true,
		WaitSelector:   a.cfg.Selectors.Item,
		ExpandSelector: a.cfg.Selectors.LoadMore,
		MaxExpand:      a.cfg.MaxExpand,
	}
	if a.cfg.ForceHeadless {
		resp, err := a.headless.Fetch(ctx, rendered)
		if err != nil {
			return harvest.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
		}
		return resp, nil
	}

	probe, err := a.probe.Fetch(ctx, harvest.FetchRequest{URL: target})
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	if !a.shouldPromote(probe) {
		return probe, nil
	}
	resp, err := a.headless.Fetch(ctx, rendered)
	if err != nil {
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
		}
		a.logger.Warn("headless fetch failed; using probe response", zap.String("url", target), zap.Error(err))
		return probe, nil
	}
	return resp, nil
}

func (a *Adapter) shouldPromote(probe harvest.FetchResponse) bool {
	if a.headless == nil || probe.StatusCode != 200 {
		return false
	}
	if a.detector != nil && a.detector.ShouldPromote(probe) {
		return true
	}
	return a.cfg.MaxExpand > 0 && HasLoadMore(probe.Body, a.cfg.Selectors)
}
