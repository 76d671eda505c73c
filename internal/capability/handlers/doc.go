// Package handlers contains the concrete effect handlers behind the
// capability proxy: file I/O jailed to a workspace root, allow-listed
// outbound HTTP, an in-memory canvas, database pass-through, bounded
// process execution, and DOM parsing/manipulation.
package handlers
