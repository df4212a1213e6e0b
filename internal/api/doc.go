// Package api hosts the HTTP server, middleware, and REST handlers for the
// watcher. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches for the remote batch-diff operation.
//   - POST /v1/runs, POST /v1/runs/continue, GET /v1/runs/state and
//     DELETE /v1/runs to drive the resumable run.
//   - GET /v1/runlog and /v1/changes for read-only history.
package api
