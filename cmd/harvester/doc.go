// Package main hosts the review harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job endpoints. A synchronous route
//     runs a scrape inside the request; the async route persists a job, reserves its idempotency key,
//     and enqueues it for the worker pool.
//   - Protection chain: every adapter call runs as Retry(Breaker(adapter)). Retries back off
//     exponentially and only for retryable failure kinds; the breaker opens per target after
//     consecutive failures and fails fast with CIRCUIT_OPEN until a single trial call succeeds.
//   - Fetching: the Doctoralia adapter probes with the Colly fetcher and promotes to chromedp when
//     the heuristic detector sees a script shell or a "load more" control.
//   - Enrichment: reviews are PII-masked, scored by the lexicon analyzer, and answered from reply
//     templates when requested.
//   - Fan-out: terminal jobs publish an event (Pub/Sub or memory) and, when a callback URL is set,
//     a signed webhook is delivered by a separate notifier so delivery never changes the job.
//   - Persistence: jobs, idempotency keys, and delivery attempts live in memory, Postgres, or Redis
//     as configured; snapshots go to memory, local disk, or GCS.
//
// Operational notes:
//   - Unfinished jobs found at startup are re-queued; jobs stuck RUNNING past orchestrator.stale_after
//     are reported on /v1/jobs/stale and never retried automatically.
//   - A janitor evicts terminal jobs and idempotency keys after the retention window.
//   - The process reacts to SIGTERM by draining HTTP, stopping workers, and flushing webhooks.
//
// Quick checklist:
//   - Configure env vars with the HARVESTER_ prefix, for example HARVESTER_SERVER_PORT,
//     HARVESTER_WEBHOOK_SECRET, HARVESTER_DATABASE_DSN, HARVESTER_REDIS_ADDR.
//   - Run locally: go run ./cmd/harvester -config config.yaml
package main
