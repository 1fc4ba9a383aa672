package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/health"
	"github.com/JakeFAU/review-harvester/internal/orchestrator"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
	"github.com/JakeFAU/review-harvester/internal/webhook"
)

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (harvest.Job, bool, error)
	Run(ctx context.Context, sub orchestrator.Submission) (harvest.Job, error)
	GetJob(ctx context.Context, jobID string) (harvest.Job, error)
	Cancel(ctx context.Context, jobID string) (harvest.Job, error)
	Deliveries(ctx context.Context, jobID string) ([]harvest.DeliveryAttempt, error)
	StaleJobs(ctx context.Context) ([]harvest.Job, error)
}

// Quota admits or rejects a client's request.
type Quota interface {
	Allow(ctx context.Context, clientID string) (bool, int, error)
}

// Deps are the collaborators of a Server. Health, Breakers, Quota and Signer
// are optional.
type Deps struct {
	Jobs     Jobs
	Health   *health.Checker
	Breakers health.BreakerSource
	Quota    Quota
	Signer   *webhook.Signer
	Clock    harvest.Clock
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/hooks/scrape", s.hookScrape)

		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKeys))
			}
			if deps.Quota != nil {
				r.Use(quotaMiddleware(deps.Quota, s.logger))
			}
			r.Post("/scrape:run", s.runScrape)
			r.Get("/circuits", s.circuits)
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.createJob)
				r.Get("/stale", s.staleJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Post("/cancel", s.cancelJob)
					r.Get("/deliveries", s.deliveries)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, health.Report{Status: health.StatusOK, Checks: map[string]string{}, Circuits: map[string]string{}})
		return
	}
	report := s.deps.Health.Ready(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) circuits(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"circuits": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.deps.Breakers.Snapshot()})
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now()
	}
	return s.deps.Clock.Now()
}
