package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"
)

// compressThreshold is the value size above which bodies are gzipped.
// Version bodies carry full HTML/CSS/JS snapshots and compress well;
// cursor and quota records stay small and are stored raw.
const compressThreshold = 1024

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS kv_prefix ON kv(key);
`

// SQLite is a Storage implementation backed by a single-file SQLite
// database via the pure-Go modernc driver.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var compressed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT value, compressed FROM kv WHERE key = ?`, key,
	).Scan(&value, &compressed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if !compressed {
		return value, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress key %q: %w", key, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	stored := value
	compressed := false
	if len(value) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(value); err == nil && zw.Close() == nil {
			stored = buf.Bytes()
			compressed = true
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, compressed) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		key, stored, compressed)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Query runs a read-only SQL statement on behalf of the database capability
// handler and returns rows as maps.
func (s *SQLite) Query(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Exec runs a mutating SQL statement and returns rows affected.
func (s *SQLite) Exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec failed: %w", err)
	}
	return res.RowsAffected()
}

// Transaction runs statements atomically.
func (s *SQLite) Transaction(ctx context.Context, stmts []Statement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("transaction statement failed: %w", err)
		}
	}
	return tx.Commit()
}

// Info returns backend metadata for database.getInfo.
func (s *SQLite) Info(ctx context.Context) (map[string]any, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count); err != nil {
		return nil, err
	}
	return map[string]any{
		"driver": "sqlite",
		"keys":   count,
	}, nil
}

// Statement is one query plus arguments inside a transaction.
type Statement struct {
	Query string `json:"query"`
	Args  []any  `json:"args"`
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
