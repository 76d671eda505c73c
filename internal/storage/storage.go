package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Storage is the key-value persistence interface the sandbox core consumes.
// The core never depends on which concrete database sits behind it.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Persisted key layout.
const (
	VersionKeyPrefix = "contentblock:"
	IsolateKeyPrefix = "isolate:"
)

// VersionKey builds the key for a version body.
func VersionKey(blockID, versionID string) string {
	return VersionKeyPrefix + blockID + ":version:" + versionID
}

// CursorKey builds the key for a block's undo/redo pointer.
func CursorKey(blockID string) string {
	return VersionKeyPrefix + blockID + ":cursor"
}

// IsolateStoreKey builds the key for a local/session storage snapshot.
func IsolateStoreKey(storeType, isolateID string) string {
	return IsolateKeyPrefix + storeType + ":" + isolateID
}
