// Package api hosts the operational HTTP server, its middleware and handlers.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/failed?limit= and /v1/failed/stats to inspect the retry queue.
//   - POST /v1/retries to run one retry pass on demand.
//
// It is not a query API for stored notices.
package api
