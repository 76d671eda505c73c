// Package pool manages isolate lifecycles: creation with a bounded startup
// protocol, per-block reuse, a hard concurrency cap, resource statistics,
// and graceful-then-forced teardown.
package pool
