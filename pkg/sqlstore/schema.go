package sqlstore

import (
	"context"
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for TEXT timestamp columns.
// Fixed width keeps lexical order equal to chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat (or RFC3339) timestamp column.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Migration is a versioned schema for one component sharing a database.
type Migration struct {
	// Component keys the schema_meta row, e.g. "jobs" or "books".
	Component string

	// Version is the schema version this migration brings the component to.
	Version int

	// Statements are idempotent DDL statements applied in order.
	Statements []string
}

// Migrate creates (or upgrades) a component schema in-place.
func Migrate(ctx context.Context, db *DB, m Migration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	if m.Component == "" {
		return fmt.Errorf("migration component is required")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	meta := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			component TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL
		)`,
		`INSERT INTO schema_meta (component, schema_version)
			VALUES (?, 0)
			ON CONFLICT(component) DO NOTHING`,
	}
	if _, err := tx.ExecContext(ctx, meta[0]); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, db.dialect.Rebind(meta[1]), m.Component); err != nil {
		return fmt.Errorf("seed schema_meta: %w", err)
	}

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, db.dialect.Rebind(`SELECT schema_version FROM schema_meta WHERE component=?`), m.Component).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current > m.Version {
		return fmt.Errorf("%s schema version %d is newer than supported version %d", m.Component, current, m.Version)
	}

	if current != m.Version {
		if _, err := tx.ExecContext(ctx, db.dialect.Rebind(`UPDATE schema_meta SET schema_version=? WHERE component=?`), m.Version, m.Component); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
