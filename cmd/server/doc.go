// Package main is the entry point for the Symposium sandbox backend.
//
// The backend executes untrusted content blocks (HTML/CSS/JS) inside
// per-block isolates. Scripts reach host capabilities only through an
// async request/response bridge, gated by per-block permission levels.
//
// The server provides:
//   - REST API for block history, undo/redo, and permissions
//   - WebSocket streaming for execution and console events
//   - Prometheus metrics at /metrics
//
// Configuration comes from environment variables, optionally overlaid on
// a TOML file named by SANDBOX_CONFIG_FILE. The -port flag overrides the
// configured listen port.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown (drain HTTP, terminate isolates)
package main
