// Package store owns all durable state of the orchestrator: jobs, events,
// workers, dataset locks and the webhook outbox. Every mutation other
// components perform goes through a single transactional operation exposed
// here; no authoritative in-memory state exists anywhere else.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// InitDB initializes a SQLite database connection and applies schema
// migrations. Supports both file-based and in-memory databases (:memory:).
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	var dsn string

	if dbPath == ":memory:" {
		// In-memory database - no file operations needed
		dsn = ":memory:?_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)"
	} else {
		// File-based database with optimizations for single-writer usage
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY churn
	// between the API handlers and the background loops.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply database schema: %w", err)
	}

	return db, nil
}

// New wraps an initialized database connection in a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db != nil {
		if err := db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// migrate applies the schema using goose migrations. Safe to run multiple
// times (idempotent via goose version tracking).
func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	goose.SetBaseFS(subFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}

	return nil
}
