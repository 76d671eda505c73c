package handlers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/storage"
)

func newDatabaseHandler(t *testing.T) *Database {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDatabase(db)
}

func TestDatabaseQueryAndMutation(t *testing.T) {
	d := newDatabaseHandler(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, "query", map[string]any{
		"query": "CREATE TABLE scores (name TEXT, points INTEGER)",
	})
	require.NoError(t, err)

	result, err := d.Execute(ctx, "query", map[string]any{
		"query": "INSERT INTO scores (name, points) VALUES (?, ?)",
		"args":  []any{"ada", 95},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.(map[string]any)["rows_affected"])

	result, err = d.Execute(ctx, "query", map[string]any{
		"query": "SELECT name, points FROM scores WHERE name = ?",
		"args":  []any{"ada"},
	})
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.Equal(t, 1, out["count"])
	rows := out["rows"].([]map[string]any)
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestDatabaseTransactionAtomicity(t *testing.T) {
	d := newDatabaseHandler(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, "query", map[string]any{
		"query": "CREATE TABLE t (v INTEGER NOT NULL)",
	})
	require.NoError(t, err)

	result, err := d.Execute(ctx, "transaction", map[string]any{
		"statements": []any{
			map[string]any{"query": "INSERT INTO t (v) VALUES (?)", "args": []any{1}},
			map[string]any{"query": "INSERT INTO t (v) VALUES (?)", "args": []any{2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result.(map[string]any)["committed"])

	// A failing statement rolls back the whole batch.
	_, err = d.Execute(ctx, "transaction", map[string]any{
		"statements": []any{
			map[string]any{"query": "INSERT INTO t (v) VALUES (?)", "args": []any{3}},
			map[string]any{"query": "INSERT INTO t (v) VALUES (NULL)"},
		},
	})
	require.Error(t, err)

	result, err = d.Execute(ctx, "query", map[string]any{"query": "SELECT v FROM t"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.(map[string]any)["count"])
}

func TestDatabaseGetInfo(t *testing.T) {
	d := newDatabaseHandler(t)

	result, err := d.Execute(context.Background(), "getInfo", nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", result.(map[string]any)["driver"])
}

func TestDatabaseUnavailableBackend(t *testing.T) {
	d := NewDatabase(nil)
	_, err := d.Execute(context.Background(), "query", map[string]any{"query": "SELECT 1"})
	assert.Error(t, err)
}

func TestDatabaseEmptyTransactionRejected(t *testing.T) {
	d := newDatabaseHandler(t)
	_, err := d.Execute(context.Background(), "transaction", map[string]any{
		"statements": []any{},
	})
	assert.Error(t, err)
}
