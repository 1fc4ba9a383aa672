package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/adapter"
	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/orchestrator"
	"github.com/JakeFAU/review-harvester/internal/webhook"
)

const (
	maxBodyBytes           = 1 << 20
	headerIdempotencyKey   = "Idempotency-Key"
	defaultStaleListLimit  = 100
	messageJobCreated      = "Job created successfully"
	messageJobAlreadyExist = "Job already exists"
)

// scrapeRequest is the body accepted by the run, submit, and hook routes.
type scrapeRequest struct {
	Site               string         `json:"site"`
	TargetURL          string         `json:"target_url"`
	DoctorURL          string         `json:"doctor_url"`
	IncludeAnalysis    *bool          `json:"include_analysis"`
	IncludeGeneration  bool           `json:"include_generation"`
	ResponseTemplateID string         `json:"response_template_id"`
	Language           string         `json:"language"`
	CallbackURL        string         `json:"callback_url"`
	IdempotencyKey     string         `json:"idempotency_key"`
	Meta               map[string]any `json:"meta"`
}

func (r scrapeRequest) submission(headerKey string) orchestrator.Submission {
	target := r.TargetURL
	if target == "" {
		target = r.DoctorURL
	}
	includeAnalysis := true
	if r.IncludeAnalysis != nil {
		includeAnalysis = *r.IncludeAnalysis
	}
	key := r.IdempotencyKey
	if key == "" {
		key = headerKey
	}
	return orchestrator.Submission{
		Request: harvest.ScrapeRequest{
			Site:               r.Site,
			TargetURL:          strings.TrimSpace(target),
			IncludeAnalysis:    includeAnalysis,
			IncludeGeneration:  r.IncludeGeneration,
			ResponseTemplateID: r.ResponseTemplateID,
			Language:           r.Language,
			Meta:               r.Meta,
		},
		CallbackURL:    strings.TrimSpace(r.CallbackURL),
		IdempotencyKey: strings.TrimSpace(key),
	}
}

type submitResponse struct {
	JobID   string            `json:"job_id"`
	Status  harvest.JobStatus `json:"status"`
	Message string            `json:"message"`
}

type hookResponse struct {
	Received bool              `json:"received"`
	JobID    string            `json:"job_id"`
	Status   harvest.JobStatus `json:"status"`
}

func (s *Server) runScrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeScrapeRequest(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Run(r.Context(), req.submission(r.Header.Get(headerIdempotencyKey)))
	if err != nil && job.ID == "" {
		s.writeServiceError(w, r, err)
		return
	}
	if err != nil {
		// The job exists but the caller stopped waiting for it.
		s.logger.Info("sync scrape detached", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, harvest.NewJobView(job, false))
		return
	}
	status := http.StatusOK
	if job.Status == harvest.JobStatusFailed {
		status = failedJobStatus(w, job.Error)
	}
	writeJSON(w, status, harvest.NewJobView(job, false))
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeScrapeRequest(w, r)
	if !ok {
		return
	}
	job, created, err := s.deps.Jobs.Submit(r.Context(), req.submission(r.Header.Get(headerIdempotencyKey)))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := submitResponse{JobID: job.ID, Status: job.Status, Message: messageJobAlreadyExist}
	status := http.StatusOK
	if created {
		resp.Message = messageJobCreated
		status = http.StatusAccepted
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, status, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, harvest.NewJobView(job, true))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status, Message: "Cancellation requested"})
}

func (s *Server) deliveries(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	attempts, err := s.deps.Jobs.Deliveries(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []harvest.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "attempts": attempts})
}

func (s *Server) staleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.StaleJobs(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(jobs) > defaultStaleListLimit {
		jobs = jobs[:defaultStaleListLimit]
	}
	views := make([]harvest.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, harvest.NewJobView(job, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// hookScrape accepts a signed trigger. The signature covers the raw body so
// it is verified before decoding.
func (s *Server) hookScrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signer == nil {
		writeError(w, http.StatusNotFound, "inbound hooks are disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	err = s.deps.Signer.Verify(
		r.Header.Get(webhook.HeaderSignature),
		r.Header.Get(webhook.HeaderTimestamp),
		body,
		s.now(),
		s.cfg.Webhook.Tolerance,
	)
	if err != nil {
		s.logger.Warn("rejected inbound hook", zap.String("request_id", requestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var req scrapeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	job, _, err := s.deps.Jobs.Submit(r.Context(), req.submission(r.Header.Get(headerIdempotencyKey)))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, hookResponse{Received: true, JobID: job.ID, Status: job.Status})
}

func (s *Server) decodeScrapeRequest(w http.ResponseWriter, r *http.Request) (scrapeRequest, bool) {
	var req scrapeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return scrapeRequest{}, false
	}
	if req.TargetURL == "" && req.DoctorURL == "" {
		writeError(w, http.StatusBadRequest, "target_url is required")
		return scrapeRequest{}, false
	}
	return req, true
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, harvest.ErrInvalidRequest), errors.Is(err, adapter.ErrUnsupportedSite):
		status = http.StatusBadRequest
	case errors.Is(err, harvest.ErrIdempotencyConflict), errors.Is(err, harvest.ErrJobFinished):
		status = http.StatusConflict
	case errors.Is(err, harvest.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, harvest.ErrQueueFull), errors.Is(err, harvest.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error")
			return
		}
	}
	writeError(w, status, err.Error())
}

// failedJobStatus picks the response status for a job that finished FAILED.
func failedJobStatus(w http.ResponseWriter, jobErr *harvest.JobError) int {
	if jobErr == nil {
		return http.StatusBadGateway
	}
	switch jobErr.Code {
	case harvest.CodeCircuitOpen:
		if after := jobErr.Context["retry_after"]; after != "" {
			w.Header().Set("Retry-After", after)
		}
		return http.StatusServiceUnavailable
	case harvest.CodeUnsupportedSite:
		return http.StatusBadRequest
	case harvest.CodeCanceled:
		return http.StatusRequestTimeout
	case string(failure.KindNotFound):
		return http.StatusNotFound
	case string(failure.KindRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
