// Package isolate implements the sandboxed execution context for one
// content block: a pluggable script engine (goja), the RPC shim that turns
// capability calls into correlated host messages, the per-isolate resource
// monitor, quota-enforced local/session storage, and import resolution.
package isolate
