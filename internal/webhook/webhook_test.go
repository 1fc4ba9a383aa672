package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/retry"
	"github.com/JakeFAU/review-harvester/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func noSleep(context.Context, time.Duration) error { return nil }

func completedJob(callback string) harvest.Job {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return harvest.Job{
		ID:          "job-1",
		Status:      harvest.JobStatusCompleted,
		CallbackURL: callback,
		CreatedAt:   now,
		UpdatedAt:   now,
		Result: &harvest.ScrapeResult{
			Entity: harvest.Entity{Name: "Dra. Ana", ProfileURL: "https://www.doctoralia.com.br/ana"},
			Items:  []harvest.Review{{ID: "r1", Text: "Excelente"}},
		},
	}
}

func TestSignerRoundTrip(t *testing.T) {
	t.Parallel()

	signer := NewSigner("s3cret")
	body := []byte(`{"job_id":"job-1","status":"completed"}`)
	now := time.Unix(1_700_000_000, 0)
	sig := signer.Sign(now.Unix(), body)
	ts := strconv.FormatInt(now.Unix(), 10)

	require.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	require.NoError(t, signer.Verify(sig, ts, body, now, 5*time.Minute))

	mutated := []byte(`{"job_id":"job-1","status":"failed"}`)
	require.ErrorIs(t, signer.Verify(sig, ts, mutated, now, 5*time.Minute), ErrInvalidSignature)
	require.ErrorIs(t, NewSigner("other").Verify(sig, ts, body, now, 5*time.Minute), ErrInvalidSignature)
	require.ErrorIs(t, signer.Verify(sig, ts, body, now.Add(10*time.Minute), 5*time.Minute), ErrTimestampExpired)
	require.NoError(t, signer.Verify(sig, ts, body, now.Add(10*time.Minute), 0))
	require.ErrorIs(t, signer.Verify("", ts, body, now, 0), ErrMissingSignature)
	require.ErrorIs(t, signer.Verify(sig[len(signaturePrefix):], ts, body, now, 0), ErrInvalidSignature)
}

func TestDeliverRetriesServerErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	var (
		calls      atomic.Int32
		mu         sync.Mutex
		timestamps []string
	)
	signer := NewSigner("s3cret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		ts := r.Header.Get(HeaderTimestamp)
		mu.Lock()
		timestamps = append(timestamps, ts)
		mu.Unlock()
		sec, err := strconv.ParseInt(ts, 10, 64)
		require.NoError(t, err)
		require.NoError(t, signer.Verify(r.Header.Get(HeaderSignature), ts, body, time.Unix(sec, 0), time.Minute))
		require.Equal(t, "job-1", r.Header.Get(HeaderJobID))
		require.Equal(t, "review-harvester", r.Header.Get(HeaderSource))

		var view harvest.JobView
		require.NoError(t, json.Unmarshal(body, &view))
		require.Equal(t, harvest.JobStatusCompleted, view.Status)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log := memory.NewDeliveryLog()
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	d := NewDeliverer(srv.Client(), signer, log, clock, Config{
		Source: "review-harvester",
		Policy: retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Sleep: noSleep},
	}, nil)

	job := completedJob(srv.URL)
	require.NoError(t, d.Deliver(context.Background(), job))
	require.Equal(t, harvest.JobStatusCompleted, job.Status)

	attempts, err := log.ListAttempts(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].Attempt)
	require.Equal(t, http.StatusInternalServerError, *attempts[0].ResponseStatus)
	require.NotEmpty(t, attempts[0].Error)
	require.Equal(t, 2, attempts[1].Attempt)
	require.Equal(t, http.StatusOK, *attempts[1].ResponseStatus)
	require.Empty(t, attempts[1].Error)

	require.Len(t, timestamps, 2)
	require.NotEqual(t, timestamps[0], timestamps[1])
}

func TestDeliverStopsOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	log := memory.NewDeliveryLog()
	d := NewDeliverer(srv.Client(), NewSigner("k"), log, &stepClock{}, Config{
		Policy: retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, Sleep: noSleep},
	}, nil)

	err := d.Deliver(context.Background(), completedJob(srv.URL))
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
	attempts, _ := log.ListAttempts(context.Background(), "job-1")
	require.Len(t, attempts, 1)
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	log := memory.NewDeliveryLog()
	d := NewDeliverer(srv.Client(), NewSigner("k"), log, &stepClock{}, Config{
		Policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			},
		},
	}, nil)

	require.Error(t, d.Deliver(context.Background(), completedJob(srv.URL)))
	attempts, _ := log.ListAttempts(context.Background(), "job-1")
	require.Len(t, attempts, 3)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestDeliverRecordsTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	log := memory.NewDeliveryLog()
	d := NewDeliverer(nil, NewSigner("k"), log, &stepClock{}, Config{
		Policy: retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, Sleep: noSleep},
	}, nil)

	require.Error(t, d.Deliver(context.Background(), completedJob(url)))
	attempts, _ := log.ListAttempts(context.Background(), "job-1")
	require.Len(t, attempts, 2)
	require.Nil(t, attempts[0].ResponseStatus)
	require.NotEmpty(t, attempts[0].Error)
}

func TestDeliverWithoutCallbackIsNoop(t *testing.T) {
	t.Parallel()

	log := memory.NewDeliveryLog()
	d := NewDeliverer(nil, NewSigner("k"), log, &stepClock{}, Config{}, nil)
	require.NoError(t, d.Deliver(context.Background(), completedJob("")))
	attempts, _ := log.ListAttempts(context.Background(), "job-1")
	require.Empty(t, attempts)
}

func TestCallbackPolicyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy CallbackPolicy
		url    string
		ok     bool
	}{
		{name: "https", url: "https://hooks.example.com/x", ok: true},
		{name: "plain http rejected", url: "http://hooks.example.com/x"},
		{name: "loopback http", url: "http://127.0.0.1:9000/cb", ok: true},
		{name: "localhost http", url: "http://localhost/cb", ok: true},
		{name: "insecure allowed", policy: CallbackPolicy{AllowInsecure: true}, url: "http://hooks.example.com", ok: true},
		{name: "bad scheme", url: "ftp://example.com"},
		{name: "no host", url: "https:///path"},
		{
			name:   "allowed subdomain",
			policy: CallbackPolicy{AllowedHosts: []string{"example.com"}},
			url:    "https://hooks.example.com/x",
			ok:     true,
		},
		{
			name:   "host not allowed",
			policy: CallbackPolicy{AllowedHosts: []string{"example.com"}},
			url:    "https://evil-example.com/x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.Validate(tt.url)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidCallback)
		})
	}
}

type recordingDelivery struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recordingDelivery) Deliver(_ context.Context, job harvest.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return nil
}

func (r *recordingDelivery) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestNotifierDeliversAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	rec := &recordingDelivery{}
	n := NewNotifier(rec, 2, 8, nil)
	for i := range 5 {
		require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: strconv.Itoa(i)}))
	}
	require.NoError(t, n.Close(context.Background()))
	require.Equal(t, 5, rec.count())
	require.ErrorIs(t, n.Notify(context.Background(), harvest.Job{ID: "late"}), ErrNotifierClosed)
}

// blockingDelivery holds every delivery until release is closed.
type blockingDelivery struct {
	started chan string
	release chan struct{}
}

func (b *blockingDelivery) Deliver(ctx context.Context, job harvest.Job) error {
	b.started <- job.ID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNotifierDropsWhenQueueStaysFull(t *testing.T) {
	t.Parallel()

	slow := &blockingDelivery{started: make(chan string, 4), release: make(chan struct{})}
	n := NewNotifier(slow, 1, 1, nil)
	n.wait = 20 * time.Millisecond

	require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: "in-flight"}))
	require.Equal(t, "in-flight", <-slow.started)
	require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: "queued"}))

	start := time.Now()
	err := n.Notify(context.Background(), harvest.Job{ID: "overflow"})
	require.ErrorIs(t, err, ErrNotifierFull)
	require.Less(t, time.Since(start), time.Second)

	close(slow.release)
	require.NoError(t, n.Close(context.Background()))
	require.Equal(t, "queued", <-slow.started)
	require.Empty(t, slow.started)
}

func TestNotifierWaitsForRoomWithinBound(t *testing.T) {
	t.Parallel()

	slow := &blockingDelivery{started: make(chan string, 4), release: make(chan struct{})}
	n := NewNotifier(slow, 1, 1, nil)
	n.wait = 5 * time.Second

	require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: "a"}))
	<-slow.started
	require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: "b"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(slow.release)
	}()
	require.NoError(t, n.Notify(context.Background(), harvest.Job{ID: "c"}))
	require.NoError(t, n.Close(context.Background()))
}
