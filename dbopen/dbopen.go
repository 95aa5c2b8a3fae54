// CLAUDE:SUMMARY Opens SQLite databases with safe pragmas, optional schema exec, and a test helper.

// Package dbopen opens the SQLite databases weft keeps its catalog and
// audit data in, with consistent pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Callers blank-import the driver:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("weft.db", dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type config struct {
	busyTimeout int
	schemas     []string
	mkdirAll    bool
}

// Option customises Open behaviour.
type Option func(*config)

// WithSchema queues SQL to execute after the pragmas are applied. May be
// given more than once; schemas run in order.
func WithSchema(ddl string) Option {
	return func(c *config) { c.schemas = append(c.schemas, ddl) }
}

// WithMkdirAll creates the database path's parent directories first.
func WithMkdirAll() Option {
	return func(c *config) { c.mkdirAll = true }
}

// WithBusyTimeout overrides PRAGMA busy_timeout (milliseconds).
func WithBusyTimeout(ms int) Option {
	return func(c *config) { c.busyTimeout = ms }
}

// Open opens the SQLite database at path, applies the pragmas, and runs any
// queued schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	for _, ddl := range cfg.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests. MaxOpenConns is pinned
// to 1 so every query sees the same database (each ":memory:" connection is
// otherwise its own). Closed automatically via t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
