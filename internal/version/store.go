package version

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/storage"
)

// loadConcurrency bounds parallel storage reads during startup reload.
const loadConcurrency = 8

// Store maintains the append-only version history and undo/redo cursor for
// every content block. All versions are durably written through the Storage
// collaborator; the in-memory sequence is a cache reloaded at startup.
type Store struct {
	storage storage.Storage
	log     *logging.Logger

	mu     sync.RWMutex
	blocks map[string]*history
}

// history is one block's version sequence. Its mutex serializes appends and
// cursor moves for that block, so concurrent writers cannot race cursor
// truncation.
type history struct {
	mu       sync.Mutex
	versions []types.Version
	cursor   int
}

// NewStore creates a version store backed by the given storage.
func NewStore(st storage.Storage, log *logging.Logger) *Store {
	return &Store{
		storage: st,
		log:     log.Named("version"),
		blocks:  make(map[string]*history),
	}
}

func (s *Store) block(blockID string) *history {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.blocks[blockID]
	if !ok {
		h = &history{cursor: -1}
		s.blocks[blockID] = h
	}
	return h
}

// Append records a new version at the end of the block's sequence. Any
// versions after the cursor (the undone future) are discarded first. Returns
// the assigned version id.
func (s *Store) Append(ctx context.Context, blockID string, v types.Version) (string, error) {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.BlockID = blockID
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.ContentHash = contentHash(v.HTML, v.CSS, v.JavaScript)

	// New edits abandon the undone future.
	if h.cursor >= 0 && h.cursor < len(h.versions)-1 {
		for _, stale := range h.versions[h.cursor+1:] {
			if err := s.storage.Delete(ctx, storage.VersionKey(blockID, stale.ID)); err != nil {
				s.log.Warn("failed to delete truncated version",
					zap.String("block_id", blockID), zap.String("version_id", stale.ID))
			}
		}
		h.versions = h.versions[:h.cursor+1]
	}

	if n := len(h.versions); n > 0 {
		v.Seq = h.versions[n-1].Seq + 1
	} else {
		v.Seq = 1
	}

	data, err := json.Marshal(&v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal version: %w", err)
	}
	if err := s.storage.Set(ctx, storage.VersionKey(blockID, v.ID), data); err != nil {
		return "", fmt.Errorf("failed to persist version: %w", err)
	}

	h.versions = append(h.versions, v)
	h.cursor = len(h.versions) - 1
	s.persistCursor(ctx, blockID, h.cursor)

	return v.ID, nil
}

// List returns a copy of the block's version sequence in order.
func (s *Store) List(blockID string) []types.Version {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.Version, len(h.versions))
	copy(out, h.versions)
	return out
}

// Current returns the version selected by the cursor.
func (s *Store) Current(blockID string) (*types.Version, bool) {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 || h.cursor >= len(h.versions) {
		return nil, false
	}
	v := h.versions[h.cursor]
	return &v, true
}

// Undo moves the cursor backward, or directly to targetID when given.
// Fails with ErrNothingToUndo at index 0 or with fewer than two versions.
func (s *Store) Undo(ctx context.Context, blockID string, targetID string) (*types.Version, error) {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if targetID != "" {
		idx := -1
		for i := range h.versions {
			if h.versions[i].ID == targetID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errs.ErrVersionNotFound
		}
		h.cursor = idx
		s.persistCursor(ctx, blockID, h.cursor)
		v := h.versions[idx]
		return &v, nil
	}

	if len(h.versions) < 2 || h.cursor <= 0 {
		return nil, errs.ErrNothingToUndo
	}
	h.cursor--
	s.persistCursor(ctx, blockID, h.cursor)
	v := h.versions[h.cursor]
	return &v, nil
}

// Redo moves the cursor forward. Fails with ErrNothingToRedo at the end of
// the sequence, including after an append invalidated the redo history.
func (s *Store) Redo(ctx context.Context, blockID string) (*types.Version, error) {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 || h.cursor >= len(h.versions)-1 {
		return nil, errs.ErrNothingToRedo
	}
	h.cursor++
	s.persistCursor(ctx, blockID, h.cursor)
	v := h.versions[h.cursor]
	return &v, nil
}

// CanRedo reports whether a redo would succeed.
func (s *Store) CanRedo(blockID string) bool {
	h := s.block(blockID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0 && h.cursor < len(h.versions)-1
}

// BlockIDs returns the ids of all blocks with at least one version.
func (s *Store) BlockIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.blocks))
	for id, h := range s.blocks {
		h.mu.Lock()
		n := len(h.versions)
		h.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LoadAll rebuilds the in-memory cache from storage. Called once at process
// start; crash recovery never loses a version, only possibly the cursor,
// which defaults to the latest version.
func (s *Store) LoadAll(ctx context.Context) error {
	keys, err := s.storage.List(ctx, storage.VersionKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list version keys: %w", err)
	}

	var (
		mu       sync.Mutex
		perBlock = make(map[string][]types.Version)
		cursors  = make(map[string]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for _, key := range keys {
		blockID, versionID, isCursor, ok := parseVersionKey(key)
		if !ok {
			continue
		}
		g.Go(func() error {
			data, err := s.storage.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("failed to load %q: %w", key, err)
			}
			if isCursor {
				idx, err := strconv.Atoi(string(data))
				if err != nil {
					s.log.Warn("ignoring corrupt cursor", zap.String("block_id", blockID))
					return nil
				}
				mu.Lock()
				cursors[blockID] = idx
				mu.Unlock()
				return nil
			}
			var v types.Version
			if err := json.Unmarshal(data, &v); err != nil {
				s.log.Warn("ignoring corrupt version",
					zap.String("block_id", blockID), zap.String("version_id", versionID))
				return nil
			}
			mu.Lock()
			perBlock[blockID] = append(perBlock[blockID], v)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for blockID, versions := range perBlock {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Seq < versions[j].Seq })
		cursor := len(versions) - 1
		if idx, ok := cursors[blockID]; ok && idx >= 0 && idx < len(versions) {
			cursor = idx
		}
		s.blocks[blockID] = &history{versions: versions, cursor: cursor}
	}

	s.log.Info("version history loaded",
		zap.Int("blocks", len(perBlock)), zap.Int("keys", len(keys)))
	return nil
}

// persistCursor writes the cursor best-effort; a lost cursor degrades to
// "latest" on reload rather than losing history.
func (s *Store) persistCursor(ctx context.Context, blockID string, cursor int) {
	if err := s.storage.Set(ctx, storage.CursorKey(blockID), []byte(strconv.Itoa(cursor))); err != nil {
		s.log.Warn("failed to persist cursor", zap.String("block_id", blockID))
	}
}

// parseVersionKey splits "contentblock:{blockID}:version:{versionID}" and
// "contentblock:{blockID}:cursor" keys.
func parseVersionKey(key string) (blockID, versionID string, isCursor, ok bool) {
	rest, found := strings.CutPrefix(key, storage.VersionKeyPrefix)
	if !found {
		return "", "", false, false
	}
	if blockID, found = strings.CutSuffix(rest, ":cursor"); found && !strings.Contains(blockID, ":") {
		return blockID, "", true, true
	}
	parts := strings.SplitN(rest, ":version:", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false, false
	}
	return parts[0], parts[1], false, true
}

func contentHash(html, css, js string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(html))
	h.Write([]byte{0})
	h.Write([]byte(css))
	h.Write([]byte{0})
	h.Write([]byte(js))
	return hex.EncodeToString(h.Sum(nil))
}
