// Package api implements the HTTP REST API and WebSocket server for avrbridge.
//
// This package provides:
//   - REST endpoints for property listing, queries, applies and refresh
//   - Read access to the line journal
//   - WebSocket hub for live property, status and line events
//   - Prometheus exposition at the configured metrics path
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Endpoints
//
//	GET  /api/v1/health
//	GET  /api/v1/status
//	GET  /api/v1/properties
//	GET  /api/v1/properties/{property}
//	POST /api/v1/properties/{property}/query   ?timeout_ms=
//	POST /api/v1/properties/{property}/apply   {"value": ...}
//	POST /api/v1/refresh
//	GET  /api/v1/journal                       ?direction=&property=&since=&limit=&offset=
//	GET  /ws
//	GET  /metrics
//
// # Errors
//
// Failures use one envelope, {"error": {"code": "...", "message": "..."}}.
// An undeclared command is 404, a missing receiver connection is 503 and a
// query that outlives its deadline is 504.
//
// # Graceful Degradation
//
// The journal and refresh endpoints answer 503 when their collaborator is
// not configured; everything else only needs the engine.
package api
