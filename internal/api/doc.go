// Package api implements the node's HTTP API and device event stream.
//
// This package provides:
//   - Device status and configuration template endpoints for the orchestrator
//   - Node and plugin package manifests
//   - Health and metrics endpoints for the supervisor and monitoring
//   - Plugin package routes mounted below /api/plugins/{package}
//   - A WebSocket hub that streams registry events
//
// # Routes
//
//	GET /api/health                            liveness, always 200
//	GET /api/device/status                     one entry per non-Unknown device
//	GET /api/device/configuration/templates    one template per device
//	GET /api/node/manifest                     node configuration, password removed
//	GET /api/node/plugin/manifest              installed plugin package or 404
//	GET /api/node/metrics                      runtime, bus and device counters
//	GET /api/device/events                     WebSocket event stream
//
// # Graceful Degradation
//
// The server runs without the MQTT bus. Health reports "degraded" until a
// connected bridge is attached with SetBus.
package api
