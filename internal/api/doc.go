// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes; readiness includes circuit states.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape:run for blocking scrapes.
//   - POST /v1/jobs and GET /v1/jobs/{job_id} for async submission and polling.
//   - POST /v1/hooks/scrape for signed inbound triggers.
package api
