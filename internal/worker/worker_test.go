package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/breaker"
	"github.com/JakeFAU/review-harvester/internal/enrich"
	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/hash/sha256"
	"github.com/JakeFAU/review-harvester/internal/publisher/memory"
	memqueue "github.com/JakeFAU/review-harvester/internal/queue/memory"
	memstore "github.com/JakeFAU/review-harvester/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

type fakeScraper struct {
	mu         sync.Mutex
	extraction harvest.Extraction
	report     adapter.Report
	err        error
	calls      int
}

func (s *fakeScraper) Scrape(ctx context.Context, _ harvest.ScrapeRequest) (harvest.Extraction, adapter.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return harvest.Extraction{}, adapter.Report{}, err
	}
	return s.extraction, s.report, s.err
}

func (s *fakeScraper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []harvest.Job
}

func (n *fakeNotifier) Notify(_ context.Context, job harvest.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

type fixture struct {
	store     *memstore.JobStore
	blobs     *memstore.BlobStore
	publisher *memory.Publisher
	notifier  *fakeNotifier
	scraper   *fakeScraper
	pipeline  *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	lexicon := enrich.NewLexicon("pt")
	responder, err := enrich.NewTemplateResponder("pt", lexicon, nil)
	require.NoError(t, err)

	f := &fixture{
		store:     memstore.NewJobStore(),
		blobs:     memstore.NewBlobStore(),
		publisher: memory.New(),
		notifier:  &fakeNotifier{},
		scraper:   &fakeScraper{},
	}
	f.pipeline = NewPipeline(Deps{
		Store:     f.store,
		Scraper:   f.scraper,
		BlobStore: f.blobs,
		Publisher: f.publisher,
		Hasher:    sha256.New(),
		Clock:     &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		Analyzer:  lexicon,
		Responder: responder,
		Sanitizer: enrich.NewSanitizer(true),
		Notifier:  f.notifier,
	}, cfg, zap.NewNop())
	return f
}

func (f *fixture) queueJob(t *testing.T, id string, req harvest.ScrapeRequest, callback string) {
	t.Helper()
	now := time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC)
	require.NoError(t, f.store.CreateJob(context.Background(), harvest.Job{
		ID:          id,
		Status:      harvest.JobStatusQueued,
		Request:     req,
		CallbackURL: callback,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func rating(v int) *int { return &v }

func TestPipelineProcess_SuccessFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BlobPrefix: "snapshots", ArchiveSnapshots: true, Topic: "harvest-jobs"})
	f.scraper.extraction = harvest.Extraction{
		Entity:    harvest.Entity{Name: "Dra. Ana Silva", ProfileURL: "https://www.doctoralia.com.br/ana"},
		SourceURL: "https://www.doctoralia.com.br/ana",
		Snapshot:  []byte("<html>profile</html>"),
		Items: []harvest.Review{
			{ID: "r1", Text: "Excelente médica, muito atenciosa. Ligue 11 98765-4321", Rating: rating(5), Author: harvest.Author{Name: "Maria Souza"}},
			{ID: "r2", Text: "Péssimo atendimento", Rating: rating(1), Author: harvest.Author{Name: "João"}},
		},
	}
	f.scraper.report = adapter.Report{Site: "doctoralia", Attempts: 2}
	f.queueJob(t, "job-1", harvest.ScrapeRequest{
		Site:              "doctoralia",
		TargetURL:         "https://www.doctoralia.com.br/ana",
		IncludeAnalysis:   true,
		IncludeGeneration: true,
		Language:          "pt",
		Meta:              map[string]any{"tenant": "acme"},
	}, "https://hooks.example.com/cb")

	job, err := f.pipeline.Process(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	result := job.Result
	require.NotNil(t, result)
	require.Len(t, result.Items, 2)
	require.NotContains(t, result.Items[0].Text, "98765")
	require.Equal(t, "Maria ***", result.Items[0].Author.Name)
	require.NotNil(t, result.Analysis)
	require.Contains(t, result.Analysis.Flags, enrich.FlagLowRating)
	require.NotNil(t, result.Generation)
	require.Len(t, result.Generation.Responses, 2)
	require.Equal(t, 2, result.Metrics.ItemCount)
	require.Equal(t, 2, result.Metrics.Attempts)
	require.Equal(t, "https://www.doctoralia.com.br/ana", result.Metrics.Source)
	require.True(t, strings.HasPrefix(result.Metrics.SnapshotURI, "memory://snapshots/job-1/"))
	require.Positive(t, result.Metrics.DurationMs)
	require.Equal(t, "acme", result.Meta["tenant"])
	require.Equal(t, 1, f.blobs.Len())

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(harvest.JobEvent)
	require.True(t, ok)
	require.Equal(t, harvest.EventJobCompleted, event.Type)
	require.Equal(t, 2, event.ItemCount)
	require.Len(t, f.notifier.jobs, 1)
}

func TestPipelineProcess_NotFoundFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Topic: "harvest-jobs"})
	f.scraper.err = failure.New(failure.KindNotFound, "profile gone")
	f.scraper.report = adapter.Report{Site: "doctoralia", Attempts: 1}
	f.queueJob(t, "job-404", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")

	job, err := f.pipeline.Process(context.Background(), "job-404")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, job.Status)
	require.Equal(t, string(failure.KindNotFound), job.Error.Code)
	require.False(t, job.Error.Retryable)
	require.Equal(t, "1", job.Error.Context["attempts"])
	require.Nil(t, job.Result)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, harvest.EventJobFailed, msgs[0].Payload.(harvest.JobEvent).Type)
	require.Empty(t, f.notifier.jobs)
}

func TestPipelineProcess_CircuitOpenIsReportedDistinctly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.scraper.err = &breaker.OpenError{Target: "doctoralia", RetryAfter: 30 * time.Second}
	f.queueJob(t, "job-open", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")

	job, err := f.pipeline.Process(context.Background(), "job-open")
	require.NoError(t, err)
	require.Equal(t, harvest.CodeCircuitOpen, job.Error.Code)
	require.Equal(t, "doctoralia", job.Error.Context["target"])
	require.Equal(t, "30", job.Error.Context["retry_after"])
}

func TestPipelineProcess_UnsupportedSite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.scraper.err = adapter.ErrUnsupportedSite
	f.queueJob(t, "job-x", harvest.ScrapeRequest{TargetURL: "https://example.com"}, "")

	job, err := f.pipeline.Process(context.Background(), "job-x")
	require.NoError(t, err)
	require.Equal(t, harvest.CodeUnsupportedSite, job.Error.Code)
}

func TestPipelineProcess_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.queueJob(t, "job-c", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := f.pipeline.Process(ctx, "job-c")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, job.Status)
	require.Equal(t, harvest.CodeCanceled, job.Error.Code)
	require.Zero(t, f.scraper.callCount())
}

func TestPipelineProcess_DeadlineMapsToCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.queueJob(t, "job-d", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	job, err := f.pipeline.Process(ctx, "job-d")
	require.NoError(t, err)
	require.Equal(t, harvest.CodeCanceled, job.Error.Code)
	require.Equal(t, "deadline_exceeded", job.Error.Context["reason"])
}

func TestPipelineProcess_NeverMovesBackwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.queueJob(t, "job-1", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")
	_, err := f.pipeline.Process(context.Background(), "job-1")
	require.NoError(t, err)

	again, err := f.pipeline.Process(context.Background(), "job-1")
	require.ErrorIs(t, err, harvest.ErrInvalidTransition)
	require.Equal(t, harvest.JobStatusCompleted, again.Status)
	require.Equal(t, 1, f.scraper.callCount())
}

func TestPipelineProcess_PublishFailureKeepsOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Topic: "harvest-jobs"})
	f.publisher.FailWith(errors.New("broker down"))
	f.queueJob(t, "job-1", harvest.ScrapeRequest{TargetURL: "https://www.doctoralia.com.br/x"}, "")

	job, err := f.pipeline.Process(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Empty(t, job.Result.Items)
	require.Nil(t, job.Result.Analysis)
}

func TestBuildBlobPath(t *testing.T) {
	t.Parallel()

	p := NewPipeline(Deps{}, Config{BlobPrefix: "/snapshots/"}, nil)
	require.Equal(t, "snapshots/job/abc.html", p.buildBlobPath("job", "abc"))
	p = NewPipeline(Deps{}, Config{}, nil)
	require.Equal(t, "job/abc.html", p.buildBlobPath("job", "abc"))
}

type recordingHandler struct {
	mu  sync.Mutex
	ids []string
}

func (h *recordingHandler) Execute(_ context.Context, jobID string) (harvest.Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, jobID)
	return harvest.Job{ID: jobID, Status: harvest.JobStatusCompleted}, nil
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

func TestWorkerRunConsumesQueueUntilClosed(t *testing.T) {
	t.Parallel()

	q := memqueue.NewQueue(4)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), harvest.QueueItem{JobID: id}))
	}
	handler := &recordingHandler{}
	w := New(q, handler, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(handler.seen()) == 3 }, time.Second, 5*time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
	require.Equal(t, []string{"a", "b", "c"}, handler.seen())
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := memqueue.NewQueue(1)
	w := New(q, &recordingHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

var errRedisDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// scriptedQueue replays outcomes in order: a nil entry hands out a job, an
// error fails the dequeue. Once the script runs out the queue reports closed.
type scriptedQueue struct {
	mu       sync.Mutex
	outcomes []error
	calls    atomic.Int32
}

func (q *scriptedQueue) Enqueue(context.Context, harvest.QueueItem) error { return nil }

func (q *scriptedQueue) Dequeue(context.Context) (harvest.QueueItem, error) {
	n := int(q.calls.Add(1))
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.outcomes) == 0 {
		return harvest.QueueItem{}, harvest.ErrQueueClosed
	}
	err := q.outcomes[0]
	q.outcomes = q.outcomes[1:]
	if err != nil {
		return harvest.QueueItem{}, err
	}
	return harvest.QueueItem{JobID: fmt.Sprintf("job-%d", n)}, nil
}

func failures(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = errRedisDown
	}
	return out
}

func TestWorkerRunBacksOffOnDequeueErrors(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{outcomes: append(failures(8), nil)}
	handler := &recordingHandler{}
	w := New(q, handler, zap.NewNop())
	var delays []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	w.Run(context.Background())

	require.Equal(t, []string{"job-9"}, handler.seen())
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}, delays)
}

func TestWorkerRunBackoffResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{outcomes: []error{errRedisDown, errRedisDown, nil, errRedisDown}}
	w := New(q, &recordingHandler{}, nil)
	var delays []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	w.Run(context.Background())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond}, delays)
}

func TestWorkerRunBackoffStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{outcomes: failures(1000)}
	w := New(q, &recordingHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop while backing off")
	}
	require.Less(t, q.calls.Load(), int32(5))
}
