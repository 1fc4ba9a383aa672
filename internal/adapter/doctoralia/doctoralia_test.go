package doctoralia

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
)

type fakeFetcher struct {
	mu       sync.Mutex
	resp     harvest.FetchResponse
	err      error
	requests []harvest.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return harvest.FetchResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeDetector struct{ promote bool }

func (d fakeDetector) ShouldPromote(harvest.FetchResponse) bool { return d.promote }

func okResponse(body []byte, headless bool) harvest.FetchResponse {
	return harvest.FetchResponse{URL: profileURL, StatusCode: http.StatusOK, Body: body, UsedHeadless: headless}
}

func scrapeRequest() harvest.ScrapeRequest {
	return harvest.ScrapeRequest{Site: SiteKey, TargetURL: profileURL}
}

func TestScrapeStaticProfile(t *testing.T) {
	t.Parallel()

	page := []byte(`<html><body><div data-test-id="doctor-header-fullname">Dra. Ana</div>
<div data-test-id="opinion-block"><p data-test-id="opinion-comment">Muito boa</p></div></body></html>`)
	probe := &fakeFetcher{resp: okResponse(page, false)}
	headless := &fakeFetcher{}
	a, err := New(Config{Hosts: []string{"doctoralia.com.br"}, MaxExpand: 50}, probe, headless, fakeDetector{}, zap.NewNop())
	require.NoError(t, err)

	ext, err := a.Scrape(context.Background(), scrapeRequest())
	require.NoError(t, err)
	require.Equal(t, "Dra. Ana", ext.Entity.Name)
	require.Len(t, ext.Items, 1)
	require.Equal(t, page, ext.Snapshot)
	require.False(t, ext.UsedHeadless)
	require.Zero(t, headless.calls())
}

func TestScrapePromotesWhenLoadMorePresent(t *testing.T) {
	t.Parallel()

	fixture := loadFixture(t)
	probe := &fakeFetcher{resp: okResponse(fixture, false)}
	headless := &fakeFetcher{resp: okResponse(fixture, true)}
	a, err := New(Config{MaxExpand: 50}, probe, headless, nil, nil)
	require.NoError(t, err)

	ext, err := a.Scrape(context.Background(), scrapeRequest())
	require.NoError(t, err)
	require.True(t, ext.UsedHeadless)
	require.Len(t, headless.requests, 1)
	req := headless.requests[0]
	require.True(t, req.UseHeadless)
	require.Equal(t, 50, req.MaxExpand)
	require.Equal(t, DefaultSelectors().LoadMore, req.ExpandSelector)
	require.Equal(t, DefaultSelectors().Item, req.WaitSelector)
}

func TestScrapePromotesOnDetector(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{resp: okResponse([]byte(`<div id="__next"></div>`), false)}
	headless := &fakeFetcher{resp: okResponse(loadFixture(t), true)}
	a, err := New(Config{}, probe, headless, fakeDetector{promote: true}, nil)
	require.NoError(t, err)

	ext, err := a.Scrape(context.Background(), scrapeRequest())
	require.NoError(t, err)
	require.True(t, ext.UsedHeadless)
	require.Len(t, ext.Items, 2)
}

func TestScrapeFallsBackToProbeWhenHeadlessFails(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{resp: okResponse(loadFixture(t), false)}
	headless := &fakeFetcher{err: errors.New("chrome crashed")}
	a, err := New(Config{MaxExpand: 3}, probe, headless, nil, nil)
	require.NoError(t, err)

	ext, err := a.Scrape(context.Background(), scrapeRequest())
	require.NoError(t, err)
	require.False(t, ext.UsedHeadless)
	require.Equal(t, 1, headless.calls())
}

func TestScrapeForceHeadless(t *testing.T) {
	t.Parallel()

	headless := &fakeFetcher{resp: okResponse(loadFixture(t), true)}
	a, err := New(Config{ForceHeadless: true, MaxExpand: 5}, nil, headless, nil, nil)
	require.NoError(t, err)

	ext, err := a.Scrape(context.Background(), scrapeRequest())
	require.NoError(t, err)
	require.True(t, ext.UsedHeadless)

	_, err = New(Config{ForceHeadless: true}, &fakeFetcher{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestScrapeMapsHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]failure.Kind{
		http.StatusNotFound:            failure.KindNotFound,
		http.StatusTooManyRequests:     failure.KindRateLimited,
		http.StatusForbidden:           failure.KindSessionExpired,
		http.StatusGatewayTimeout:      failure.KindNetworkTimeout,
		http.StatusInternalServerError: failure.KindUnknown,
	}
	for status, kind := range cases {
		probe := &fakeFetcher{resp: harvest.FetchResponse{URL: profileURL, StatusCode: status, Headers: http.Header{}}}
		a, err := New(Config{}, probe, nil, nil, nil)
		require.NoError(t, err)

		_, err = a.Scrape(context.Background(), scrapeRequest())
		require.Equal(t, kind, failure.KindOf(err), "status %d", status)
	}
}

func TestScrapePropagatesFetchError(t *testing.T) {
	t.Parallel()

	boom := failure.New(failure.KindNetworkTimeout, "dial timeout")
	a, err := New(Config{}, &fakeFetcher{err: boom}, nil, nil, nil)
	require.NoError(t, err)

	_, err = a.Scrape(context.Background(), scrapeRequest())
	require.ErrorIs(t, err, boom)
}

func TestScrapeRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{}
	a, err := New(Config{}, probe, nil, nil, nil)
	require.NoError(t, err)

	_, err = a.Scrape(context.Background(), harvest.ScrapeRequest{TargetURL: "not a url"})
	require.Equal(t, failure.KindNotFound, failure.KindOf(err))
	require.Zero(t, probe.calls())
}

func TestAdapterMatchesHosts(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Hosts: []string{"doctoralia.com.br"}}, &fakeFetcher{}, nil, nil, nil)
	require.NoError(t, err)
	u, _ := url.Parse(profileURL)
	require.True(t, a.Matches(u))
	other, _ := url.Parse("https://www.doctoralia.es/x")
	require.False(t, a.Matches(other))
}
