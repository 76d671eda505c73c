package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/storage"
)

func newTestStore() (*Store, *storage.Memory) {
	backend := storage.NewMemory()
	return NewStore(backend, logging.NewNop()), backend
}

func appendN(t *testing.T, s *Store, blockID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(context.Background(), blockID, types.Version{
			HTML:       "<p>v</p>",
			JavaScript: "console.log(" + string(rune('0'+i)) + ")",
			ChangeType: types.ChangeUserEdit,
			Author:     "tester",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAppendAssignsSequence(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "blk", 3)

	versions := s.List("blk")
	require.Len(t, versions, 3)
	assert.Equal(t, uint64(1), versions[0].Seq)
	assert.Equal(t, uint64(2), versions[1].Seq)
	assert.Equal(t, uint64(3), versions[2].Seq)

	cur, ok := s.Current("blk")
	require.True(t, ok)
	assert.Equal(t, versions[2].ID, cur.ID)
	assert.NotEmpty(t, cur.ContentHash)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	s, _ := newTestStore()
	ids := appendN(t, s, "blk", 3)
	ctx := context.Background()

	v, err := s.Undo(ctx, "blk", "")
	require.NoError(t, err)
	assert.Equal(t, ids[1], v.ID)

	v, err = s.Undo(ctx, "blk", "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], v.ID)

	// At the first version there is nothing left to undo.
	_, err = s.Undo(ctx, "blk", "")
	assert.ErrorIs(t, err, errs.ErrNothingToUndo)

	v, err = s.Redo(ctx, "blk")
	require.NoError(t, err)
	assert.Equal(t, ids[1], v.ID)

	v, err = s.Redo(ctx, "blk")
	require.NoError(t, err)
	assert.Equal(t, ids[2], v.ID)

	_, err = s.Redo(ctx, "blk")
	assert.ErrorIs(t, err, errs.ErrNothingToRedo)
}

func TestUndoWithSingleVersion(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "blk", 1)

	_, err := s.Undo(context.Background(), "blk", "")
	assert.ErrorIs(t, err, errs.ErrNothingToUndo)
}

func TestUndoToTarget(t *testing.T) {
	s, _ := newTestStore()
	ids := appendN(t, s, "blk", 4)
	ctx := context.Background()

	// Target jumps skip intermediate versions in either direction.
	v, err := s.Undo(ctx, "blk", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], v.ID)

	v, err = s.Undo(ctx, "blk", ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], v.ID)

	_, err = s.Undo(ctx, "blk", "no-such-version")
	assert.ErrorIs(t, err, errs.ErrVersionNotFound)
}

func TestAppendAfterUndoDiscardsFuture(t *testing.T) {
	s, backend := newTestStore()
	ids := appendN(t, s, "blk", 3)
	ctx := context.Background()

	_, err := s.Undo(ctx, "blk", "")
	require.NoError(t, err)

	newID, err := s.Append(ctx, "blk", types.Version{
		HTML:       "<p>branch</p>",
		ChangeType: types.ChangeUserEdit,
	})
	require.NoError(t, err)

	versions := s.List("blk")
	require.Len(t, versions, 3)
	assert.Equal(t, ids[0], versions[0].ID)
	assert.Equal(t, ids[1], versions[1].ID)
	assert.Equal(t, newID, versions[2].ID)

	assert.False(t, s.CanRedo("blk"))
	_, err = s.Redo(ctx, "blk")
	assert.ErrorIs(t, err, errs.ErrNothingToRedo)

	// The truncated version is gone from storage too.
	_, err = backend.Get(ctx, storage.VersionKey("blk", ids[2]))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadAllRestoresHistoryAndCursor(t *testing.T) {
	s, backend := newTestStore()
	ids := appendN(t, s, "blk", 3)
	ctx := context.Background()

	_, err := s.Undo(ctx, "blk", "")
	require.NoError(t, err)

	// Fresh store over the same backend simulates a restart.
	reloaded := NewStore(backend, logging.NewNop())
	require.NoError(t, reloaded.LoadAll(ctx))

	versions := reloaded.List("blk")
	require.Len(t, versions, 3)
	assert.Equal(t, ids, []string{versions[0].ID, versions[1].ID, versions[2].ID})

	cur, ok := reloaded.Current("blk")
	require.True(t, ok)
	assert.Equal(t, ids[1], cur.ID)
	assert.True(t, reloaded.CanRedo("blk"))
}

func TestLoadAllWithoutCursorDefaultsToLatest(t *testing.T) {
	s, backend := newTestStore()
	ids := appendN(t, s, "blk", 2)
	ctx := context.Background()

	require.NoError(t, backend.Delete(ctx, storage.CursorKey("blk")))

	reloaded := NewStore(backend, logging.NewNop())
	require.NoError(t, reloaded.LoadAll(ctx))

	cur, ok := reloaded.Current("blk")
	require.True(t, ok)
	assert.Equal(t, ids[1], cur.ID)
}

func TestBlockIDs(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "beta", 1)
	appendN(t, s, "alpha", 1)

	assert.Equal(t, []string{"alpha", "beta"}, s.BlockIDs())
}

func TestHistoriesAreIndependent(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "a", 2)
	appendN(t, s, "b", 3)
	ctx := context.Background()

	_, err := s.Undo(ctx, "a", "")
	require.NoError(t, err)

	assert.Len(t, s.List("a"), 2)
	assert.Len(t, s.List("b"), 3)

	curB, ok := s.Current("b")
	require.True(t, ok)
	assert.Equal(t, uint64(3), curB.Seq)
}
