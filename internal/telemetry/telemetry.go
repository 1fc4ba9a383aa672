// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/config"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Total number of job status changes, labeled by status.",
		},
		[]string{"status"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_job_duration_seconds",
			Help:    "Histogram of job execution time, labeled by site and terminal status.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"site", "status"},
	)

	scrapeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_scrape_attempts_total",
			Help: "Total number of adapter invocations, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of retries scheduled, labeled by scope and failure kind.",
		},
		[]string{"scope", "kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=open, 2=half-open).",
		},
		[]string{"target"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions, labeled by target and new state.",
		},
		[]string{"target", "state"},
	)

	webhookAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_webhook_attempts_total",
			Help: "Total number of webhook delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	staleJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_stale_jobs",
			Help: "Number of jobs running longer than the stale-execution timeout.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	dependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_dependency_up",
			Help: "Whether a backend dependency answered its last health probe (1) or not (0).",
		},
		[]string{"dependency"},
	)

	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_quota_rejections_total",
			Help: "Total number of API requests rejected by the client quota.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up Tracing (Google Cloud) and Metrics (Prometheus Sidecar).
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Application.ServiceName),
				semconv.ServiceVersion(cfg.Application.Version),
				semconv.CloudAccountID(cfg.Application.ProjectNumber),
				semconv.CloudRegion(cfg.Application.Region),
				semconv.CloudProviderGCP,
				semconv.CloudPlatformGCPCloudRun,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		// Spans are exported to Cloud Trace only when a project is configured.
		var traceExporter sdktrace.SpanExporter
		if cfg.Application.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Application.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// OTel metrics share the promauto registry so both show up on /metrics.
		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records metrics for a job status change.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records how long a job ran before reaching a terminal status.
func ObserveJobDuration(site, status string, duration time.Duration) {
	jobDurationSeconds.WithLabelValues(site, status).Observe(duration.Seconds())
}

// ObserveScrapeAttempt records one adapter invocation.
func ObserveScrapeAttempt(site, outcome string) {
	scrapeAttemptsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(scope, kind string) {
	retriesTotal.WithLabelValues(scope, kind).Inc()
}

// SetBreakerState publishes the current state of a target's circuit breaker.
func SetBreakerState(target string, state int, stateName string) {
	breakerState.WithLabelValues(target).Set(float64(state))
	breakerTransitionsTotal.WithLabelValues(target, stateName).Inc()
}

// ObserveWebhookAttempt records one webhook delivery attempt.
func ObserveWebhookAttempt(outcome string) {
	webhookAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetStaleJobs publishes the number of stale running jobs.
func SetStaleJobs(count int) {
	staleJobs.Set(float64(count))
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetDependencyUp records the result of a dependency health probe.
func SetDependencyUp(dependency string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	dependencyUp.WithLabelValues(dependency).Set(value)
}

// ObserveQuotaRejection records a request rejected by the client quota.
func ObserveQuotaRejection() {
	quotaRejectionsTotal.Inc()
}
