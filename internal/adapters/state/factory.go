package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Supported storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a storage backend.
type Options struct {
	// Backend is one of sqlite (default), postgres or memory.
	Backend string

	// Path is the SQLite database path.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open creates the store described by opts.
func Open(ctx context.Context, opts Options) (core.Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendSQLite:
		path := opts.Path
		if path == "" {
			path = filepath.Join(".verdict", "verdict.db")
		}
		// Ensure path has .db extension for SQLite
		if path != ":memory:" && !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteStore(path)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
