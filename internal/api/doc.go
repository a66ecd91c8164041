// Package api hosts the HTTP server, middleware, and REST handlers for the
// export service. Notable routes:
//   - POST /v1/jobs to submit credentials and start an export.
//   - POST /v1/jobs/{job_id}/verify to resume a job paused for a code.
//   - GET /v1/jobs/{job_id} and /v1/queue for live status.
//   - GET /v1/jobs/{job_id}/download to stream the finished archive.
//   - GET /v1/runs for durable run history via the RunRepository interface.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
