// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for probes; readyz fails once the webhook
//     publisher is closing.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape to submit a scrape job.
//   - GET /v1/jobs/{job_id} for job status and recorded pages.
package api
