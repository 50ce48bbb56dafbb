// Package sqlite is the embedded single-node Store backed by modernc.org/sqlite.
//
// The database/sql pool is capped at one connection, so every transaction
// runs alone. That single writer is what serializes sequence allocation and
// transitions per session here; it never supports more than one instance.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/hibiki/internal/storage"
)

var _ storage.Store = (*DB)(nil)

// DB is a SQLite-backed storage.Store.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return &DB{sql: conn, logger: logger}, nil
}

// Migrate creates the schema. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate statement %d: %w", i, err)
		}
	}
	d.logger.Debug("sqlite: schema ready")
	return nil
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Timestamps are stored as unix microseconds.
func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// nullText binds an optional JSON document as TEXT, or NULL when empty.
func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}
