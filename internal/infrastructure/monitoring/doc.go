// Package monitoring exposes Prometheus metrics for isolates, capability
// dispatch, the version store, and the HTTP/WebSocket surfaces.
package monitoring
