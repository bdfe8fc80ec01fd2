// Package main hosts the jancollect entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and run management
//     endpoints under /v1/runs. Submitted identifiers are normalized and checksum
//     validated before a run starts; invalid input is rejected up front.
//   - Scheduler: internal/sched dispatches fetch tasks per source under adaptive
//     rate limits. A throttled source widens its own interval without delaying
//     the others; a global semaphore bounds total in-flight fetches.
//   - Sources: internal/source holds one adapter per catalog (jancode.xyz HTML,
//     Rakuten Ichiba/Books APIs, Amazon search with optional headless promotion).
//     Each adapter fetches and parses independently; parse failures archive the
//     raw document for adapter maintenance.
//   - Reconciliation & persistence: once every source has answered for an
//     identifier, internal/reconcile merges the partial records most-recent-wins
//     with per-field provenance and conflict grading, and internal/writer upserts
//     the aggregate into Postgres keyed by the JAN code.
//   - Run state: internal/runstate journals every transition to a snapshot store,
//     so a cancelled or aborted run resumes without re-fetching completed
//     identifiers. Write failures park the identifier with its cached aggregate;
//     resume retries only the write.
//   - Plumbing: Viper populates config from env/files (JANCOLLECT_ prefix); zap
//     provides structured logging; Prometheus metrics are exported on /metrics;
//     run completion events go to Pub/Sub when configured.
//
// Run locally: go run ./cmd/jancollect run --config config.yaml 4988601007726
// or start the API with: go run ./cmd/jancollect serve
package main
