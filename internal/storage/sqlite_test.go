package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteGetSetDelete(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	_, err := db.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set(ctx, "k", []byte("v1")))
	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Upsert.
	require.NoError(t, db.Set(ctx, "k", []byte("v2")))
	got, err = db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, db.Delete(ctx, "k"))
	_, err = db.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteCompressesLargeValues(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	// Highly repetitive and well above the compression threshold.
	big := []byte(strings.Repeat("<div class=\"block\">content</div>\n", 500))
	require.NoError(t, db.Set(ctx, "big", big))

	got, err := db.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	var stored int
	var compressed bool
	err = db.db.QueryRowContext(ctx,
		`SELECT length(value), compressed FROM kv WHERE key = 'big'`).Scan(&stored, &compressed)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, stored, len(big))
}

func TestSQLiteListByPrefix(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "contentblock:a:version:1", []byte("x")))
	require.NoError(t, db.Set(ctx, "contentblock:a:cursor", []byte("0")))
	require.NoError(t, db.Set(ctx, "isolate:local:iso1", []byte("y")))

	keys, err := db.List(ctx, "contentblock:a:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = db.List(ctx, "isolate:")
	require.NoError(t, err)
	assert.Equal(t, []string{"isolate:local:iso1"}, keys)
}

func TestSQLiteReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	db, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, "k", []byte("survives")))
	require.NoError(t, db.Close())

	db, err = NewSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
