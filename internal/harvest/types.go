package harvest

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// ScrapeRequest is the caller-supplied description of one scrape.
type ScrapeRequest struct {
	Site               string         `json:"site,omitempty"`
	TargetURL          string         `json:"target_url"`
	IncludeAnalysis    bool           `json:"include_analysis"`
	IncludeGeneration  bool           `json:"include_generation"`
	ResponseTemplateID string         `json:"response_template_id,omitempty"`
	Language           string         `json:"language"`
	Meta               map[string]any `json:"meta,omitempty"`
}

// Job is the persisted record for each submitted scrape request.
type Job struct {
	ID             string        `json:"job_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         JobStatus     `json:"status"`
	Request        ScrapeRequest `json:"input"`
	Result         *ScrapeResult `json:"result,omitempty"`
	Error          *JobError     `json:"error,omitempty"`
	CallbackURL    string        `json:"callback_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// JobError is the failure envelope stored on a failed job.
// Code is either a failure kind or one of the orchestration codes below.
type JobError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`
}

// Orchestration error codes that sit outside the failure taxonomy.
const (
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeUnsupportedSite = "UNSUPPORTED_SITE"
	CodeCanceled        = "CANCELED"
)

// Entity is the scraped source record (for example a doctor profile).
type Entity struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Specialty  string            `json:"specialty,omitempty"`
	Location   string            `json:"location,omitempty"`
	Rating     *float64          `json:"rating,omitempty"`
	ProfileURL string            `json:"profile_url"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Author identifies who wrote a review.
type Author struct {
	Name       string `json:"name"`
	IsVerified bool   `json:"is_verified"`
}

// Review is one scraped item.
type Review struct {
	ID       string            `json:"id"`
	Date     string            `json:"date,omitempty"`
	Rating   *int              `json:"rating,omitempty"`
	Text     string            `json:"text"`
	Reply    string            `json:"reply,omitempty"`
	Author   Author            `json:"author"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sentiment holds VADER-style polarity scores.
type Sentiment struct {
	Compound float64 `json:"compound"`
	Positive float64 `json:"pos"`
	Neutral  float64 `json:"neu"`
	Negative float64 `json:"neg"`
}

// Analysis is the optional enrichment block produced by an Analyzer.
type Analysis struct {
	Summary      string    `json:"summary"`
	Sentiment    Sentiment `json:"sentiments"`
	QualityScore float64   `json:"quality_score"`
	Flags        []string  `json:"flags,omitempty"`
}

// GeneratedResponse is a reply drafted for one review.
type GeneratedResponse struct {
	ItemID   string `json:"review_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Generation is the optional response-generation block produced by a Responder.
type Generation struct {
	TemplateID string              `json:"template_id,omitempty"`
	Responses  []GeneratedResponse `json:"responses"`
	Model      string              `json:"model,omitempty"`
}

// Metrics describes how a result was produced.
type Metrics struct {
	ItemCount    int       `json:"scraped_count"`
	Attempts     int       `json:"attempts"`
	DurationMs   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"start_ts"`
	FinishedAt   time.Time `json:"end_ts"`
	Source       string    `json:"source"`
	UsedHeadless bool      `json:"used_headless"`
	SnapshotURI  string    `json:"snapshot_uri,omitempty"`
}

// ScrapeResult is the structured output of a successful job.
type ScrapeResult struct {
	Entity     Entity         `json:"doctor"`
	Items      []Review       `json:"reviews"`
	Analysis   *Analysis      `json:"analysis,omitempty"`
	Generation *Generation    `json:"generation,omitempty"`
	Metrics    Metrics        `json:"metrics"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Extraction is what a site adapter returns before enrichment.
type Extraction struct {
	Entity       Entity
	Items        []Review
	SourceURL    string
	Snapshot     []byte
	UsedHeadless bool
}

// DeliveryAttempt is one append-only webhook delivery log entry.
type DeliveryAttempt struct {
	JobID          string    `json:"job_id"`
	Attempt        int       `json:"attempt_number"`
	SentAt         time.Time `json:"sent_at"`
	ResponseStatus *int      `json:"response_status"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
}

// IdempotencyEntry maps a caller key to the job it created.
type IdempotencyEntry struct {
	Key         string    `json:"key"`
	JobID       string    `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string `json:"job_id"`
	Submitted int64  `json:"submitted"`
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	JobID          string
	URL            string
	Headers        http.Header
	UseHeadless    bool
	WaitSelector   string
	ExpandSelector string
	MaxExpand      int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Job event types published when a job reaches a terminal status.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the message published for terminal job transitions.
type JobEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Site       string    `json:"site,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	ItemCount  int       `json:"item_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Attributes returns message attributes for brokers that support them.
func (e JobEvent) Attributes() map[string]string {
	attrs := map[string]string{"event_type": e.Type, "job_id": e.JobID}
	if e.Site != "" {
		attrs["site"] = e.Site
	}
	return attrs
}
