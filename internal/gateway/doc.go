// Package gateway wires the fleet-gateway server together.
//
// # Overview
//
// A Gateway owns the session registry and everything that feeds or observes
// it:
//
//   - a gRPC server carrying the AgentControl stream (package stream) and the
//     standard gRPC health service
//   - a framed TCP listener (package framed) kept alive by a supervisor
//   - an HTTP server with the agent update endpoints and the operator API
//   - a liveness sweeper evicting silent sessions
//   - an event bus fanning registry events out to the SQLite history sink and
//     the optional NATS forwarder
//
// With tailscale.enabled the listeners are bound on a tsnet node instead of
// the configured addresses.
//
// # HTTP API
//
// Agent-facing, unauthenticated:
//
//   - GET /api/updates/check?version=&test=
//   - GET /api/updates/download/{version|latest}
//   - GET /api/updates/helper
//
// Operator API, guarded by JWT bearer auth when auth.jwt_secret is set
// (reads need the operator or admin role, writes need admin):
//
//   - GET /api/sessions, GET /api/sessions/{key}
//   - GET /api/sessions/{key}/history, GET /api/agents
//   - DELETE /api/sessions/{key}
//   - POST /api/sessions/{key}/commands, POST /api/broadcast
//   - GET|POST /api/versions, DELETE /api/versions/{version}
//   - GET /api/versions/{version}/notes
//
// Plus GET /health and GET /health/ready.
//
// # Shutdown
//
// Shutdown sends a "shutdown" command to every session, waits the configured
// grace period, closes every session, then stops the servers, drains the
// event pipeline and closes the store.
package gateway
