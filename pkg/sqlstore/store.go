// Package sqlstore opens the relational databases behind the job store and
// the book store.
//
// Local SQLite files and libsql/Turso URLs go through the "libsql" driver
// (modernc.org/sqlite without cgo, go-libsql with cgo). Postgres goes through
// a pgx pool exposed as *sql.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Driver selects the database family.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverLibsql   Driver = "libsql"
	DriverPostgres Driver = "postgres"
)

type Config struct {
	// Driver selects sqlite, libsql, or postgres. Empty means sqlite.
	Driver Driver

	// Path is a local filesystem path to the database.
	// If set, it is converted into a libsql-compatible DSN (file:<path>).
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not already present.
	AuthToken string

	// DSN is a Postgres connection string (postgres driver only).
	DSN string

	// MaxConns caps the Postgres pool. Zero keeps the pgx default.
	MaxConns int32
}

// DB is a *sql.DB paired with the dialect its queries must be written in.
type DB struct {
	*sql.DB

	dialect Dialect
	pool    *pgxpool.Pool
}

// Dialect reports the SQL dialect of the underlying connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the sql handle and, for Postgres, the pgx pool behind it.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}

// Open opens (and creates if needed) the database described by cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch normalizeDriver(cfg.Driver) {
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	case DriverSQLite, DriverLibsql:
		db, err := openLibsql(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &DB{DB: db, dialect: DialectSQLite}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func normalizeDriver(d Driver) Driver {
	switch strings.ToLower(strings.TrimSpace(string(d))) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite
	case "libsql", "turso":
		return DriverLibsql
	case "postgres", "postgresql", "pgx":
		return DriverPostgres
	default:
		return d
	}
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("store path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		if strings.HasPrefix(path, "file:") {
			localPath, err := extractFilePath(path)
			if err != nil {
				return "", err
			}
			if err := ensureStoreDir(localPath); err != nil {
				return "", err
			}
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}

	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}

	// An in-memory database lives inside a single connection; a second pooled
	// connection would see an empty schema.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
