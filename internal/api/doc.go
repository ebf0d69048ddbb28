// Package api hosts the read-only HTTP interface for operators. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress, /v1/queue, /v1/workers and /v1/unrecoverable for
//     the monitor snapshot, split by concern.
//   - GET /v1/report for the plain-text operator report.
//   - GET /v1/anime/{id}/episodes/{episode}/{track} for one stored EmbedRecord.
package api
