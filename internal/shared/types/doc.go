// Package types defines shared data structures used across the sandbox
// backend: content blocks, permission levels, capability requests, the
// host/isolate message protocol, and version history records.
package types
