// Package storage defines the key-value persistence interface consumed by
// the sandbox core and provides SQLite-backed and in-memory implementations.
package storage
