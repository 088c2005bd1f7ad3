// Package api implements the supervisor's HTTP control API.
//
// This package provides:
//   - Service endpoints under /api/services for listing, inspecting,
//     starting, stopping and restarting supervised board hosts
//   - Lifecycle history per service from the audit store
//   - Health and runtime metrics for monitoring
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Graceful Degradation
//
// The audit store and the broker are optional. Without them the service
// endpoints keep working; only the history endpoint reports 503 and health
// reports the missing component.
package api
