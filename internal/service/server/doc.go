// Package server implements the firmware upload/staging HTTP server:
// GET /health as a liveness probe, POST /upload for multipart firmware
// uploads persisted to the single staging slot, GET /metrics for Prometheus,
// and a uniform JSON 404 for everything else.
package server
