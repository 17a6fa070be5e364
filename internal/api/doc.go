// Package api hosts the HTTP server, middleware, and REST handlers for scan
// submission and retrieval. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to queue a scan, GET /v1/scans to list recent scans.
//   - GET /v1/scans/{id} and /v1/scans/{id}/report for results.
package api
