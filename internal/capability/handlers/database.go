package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/symposium-app/backend/internal/storage"
)

// Querier is the slice of the storage backend the database handler needs.
// The SQLite store implements it; memory-backed deployments run without a
// database capability.
type Querier interface {
	Query(ctx context.Context, query string, args []any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args []any) (int64, error)
	Transaction(ctx context.Context, stmts []storage.Statement) error
	Info(ctx context.Context) (map[string]any, error)
}

// Database serves the database.* namespace by passing statements through
// to the backing store.
type Database struct {
	q Querier
}

// NewDatabase creates the handler.
func NewDatabase(q Querier) *Database {
	return &Database{q: q}
}

// Execute dispatches database verbs.
func (d *Database) Execute(ctx context.Context, verb string, params map[string]any) (any, error) {
	if d.q == nil {
		return nil, fmt.Errorf("database capability unavailable on this backend")
	}
	switch verb {
	case "query":
		return d.query(ctx, params)
	case "transaction":
		return d.transaction(ctx, params)
	case "getInfo":
		return d.q.Info(ctx)
	default:
		return nil, fmt.Errorf("unknown database verb %q", verb)
	}
}

func (d *Database) query(ctx context.Context, params map[string]any) (any, error) {
	query, err := strParam(params, "query")
	if err != nil {
		return nil, err
	}
	args, _ := params["args"].([]any)

	if isMutation(query) {
		affected, err := d.q.Exec(ctx, query, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows_affected": affected}, nil
	}

	rows, err := d.q.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

func (d *Database) transaction(ctx context.Context, params map[string]any) (any, error) {
	raw, ok := params["statements"]
	if !ok {
		return nil, fmt.Errorf("statements parameter required")
	}

	// Round-trip through JSON so both []any from the bridge and typed
	// slices from tests decode uniformly.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid statements: %w", err)
	}
	var stmts []storage.Statement
	if err := json.Unmarshal(encoded, &stmts); err != nil {
		return nil, fmt.Errorf("invalid statements: %w", err)
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("transaction requires at least one statement")
	}

	if err := d.q.Transaction(ctx, stmts); err != nil {
		return nil, err
	}
	return map[string]any{"committed": true, "statements": len(stmts)}, nil
}

func isMutation(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "REPLACE"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}
