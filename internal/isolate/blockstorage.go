package isolate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/storage"
)

// Store types for isolate-local storage.
const (
	StoreLocal   = "local"
	StoreSession = "session"
)

// BlockStorage is the quota-enforced key-value store owned exclusively by
// one isolate runtime. bytesUsed always equals the sum of UTF-16 byte sizes
// of all stored key/value pairs, and a write that would exceed the quota is
// rejected before any mutation.
//
// Persistence is fire-and-forget: each mutation schedules a fresh snapshot
// write that supersedes any not-yet-started one, so at most the most recent
// write is ever outstanding.
type BlockStorage struct {
	storeType string
	ownerID   string
	quota     int64
	backend   storage.Storage
	log       *logging.Logger

	mu        sync.Mutex
	entries   map[string]string
	bytesUsed int64

	persistMu  sync.Mutex
	persisting bool
	dirty      bool
}

type snapshot struct {
	Type      string            `json:"type"`
	OwnerID   string            `json:"owner_id"`
	BytesUsed int64             `json:"bytes_used"`
	Quota     int64             `json:"quota_bytes"`
	Entries   map[string]string `json:"entries"`
}

// NewBlockStorage creates an empty store. The owner id keys persisted
// snapshots, so local stores must use a stable id (the block id) to survive
// isolate respawns. Pass a nil backend to disable persistence (session
// stores).
func NewBlockStorage(storeType, ownerID string, quota int64, backend storage.Storage, log *logging.Logger) *BlockStorage {
	return &BlockStorage{
		storeType: storeType,
		ownerID:   ownerID,
		quota:     quota,
		backend:   backend,
		log:       log.Named("blockstore"),
		entries:   make(map[string]string),
	}
}

// utf16Size returns the UTF-16 byte size of s: two bytes per code unit,
// surrogate pairs counting as two units.
func utf16Size(s string) int64 {
	return int64(len(utf16.Encode([]rune(s)))) * 2
}

// SetItem stores a value, enforcing the quota before mutating.
func (b *BlockStorage) SetItem(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := utf16Size(key) + utf16Size(value)
	if old, ok := b.entries[key]; ok {
		added -= utf16Size(key) + utf16Size(old)
	}
	if b.bytesUsed+added > b.quota {
		return fmt.Errorf("%w: %d + %d > %d bytes",
			errs.ErrQuotaExceeded, b.bytesUsed, added, b.quota)
	}

	b.entries[key] = value
	b.bytesUsed += added
	b.schedulePersist()
	return nil
}

// GetItem returns the stored value, or ok=false.
func (b *BlockStorage) GetItem(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.entries[key]
	return v, ok
}

// RemoveItem deletes a key.
func (b *BlockStorage) RemoveItem(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[key]; ok {
		b.bytesUsed -= utf16Size(key) + utf16Size(old)
		delete(b.entries, key)
		b.schedulePersist()
	}
}

// Clear removes all entries.
func (b *BlockStorage) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[string]string)
	b.bytesUsed = 0
	b.schedulePersist()
}

// Keys returns all stored keys.
func (b *BlockStorage) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys
}

// BytesUsed returns the current usage.
func (b *BlockStorage) BytesUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesUsed
}

// schedulePersist kicks off an async snapshot write unless one is already
// running, in which case the running writer picks up the dirty flag and
// writes again. Must be called with b.mu held.
func (b *BlockStorage) schedulePersist() {
	if b.backend == nil {
		return
	}

	b.persistMu.Lock()
	if b.persisting {
		b.dirty = true
		b.persistMu.Unlock()
		return
	}
	b.persisting = true
	b.persistMu.Unlock()

	go b.persistLoop()
}

func (b *BlockStorage) persistLoop() {
	for {
		b.mu.Lock()
		snap := snapshot{
			Type:      b.storeType,
			OwnerID:   b.ownerID,
			BytesUsed: b.bytesUsed,
			Quota:     b.quota,
			Entries:   make(map[string]string, len(b.entries)),
		}
		for k, v := range b.entries {
			snap.Entries[k] = v
		}
		b.mu.Unlock()

		data, err := json.Marshal(&snap)
		if err == nil {
			key := storage.IsolateStoreKey(b.storeType, b.ownerID)
			if err = b.backend.Set(context.Background(), key, data); err != nil {
				b.log.Warn("failed to persist isolate storage",
					zap.String("owner_id", b.ownerID), zap.Error(err))
			}
		}

		b.persistMu.Lock()
		if !b.dirty {
			b.persisting = false
			b.persistMu.Unlock()
			return
		}
		b.dirty = false
		b.persistMu.Unlock()
	}
}

// Restore loads a previously persisted snapshot, replacing current state.
func (b *BlockStorage) Restore(ctx context.Context) error {
	if b.backend == nil {
		return nil
	}

	data, err := b.backend.Get(ctx, storage.IsolateStoreKey(b.storeType, b.ownerID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to restore isolate storage: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode isolate storage: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = snap.Entries
	if b.entries == nil {
		b.entries = make(map[string]string)
	}
	b.bytesUsed = 0
	for k, v := range b.entries {
		b.bytesUsed += utf16Size(k) + utf16Size(v)
	}
	return nil
}
