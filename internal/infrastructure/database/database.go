package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
)

// MemoryPath opens a private in-memory database. Tests use it.
const MemoryPath = ":memory:"

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	openTimeout = 5 * time.Second
)

// DB is the node's local SQLite store: the plugin package manifest, the
// sync history and the migration bookkeeping. Device state is never stored.
type DB struct {
	*sql.DB
}

// Open opens (and creates, if needed) the database at cfg.Path and checks
// the connection.
//
// The pool is limited to one connection: SQLite has a single writer and an
// in-memory database lives only as long as its connection.
//
// Parameters:
//   - ctx: Bounds the connection check together with a 5s timeout
//   - cfg: Database section of node.yaml
//
// Returns:
//   - *DB: Open database
//   - error: If the directory, file or connection cannot be set up
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	if cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("connecting to database %s: %w", cfg.Path, err)
	}

	if cfg.Path != MemoryPath {
		// The file exists after the ping; the manifest must not be world-readable.
		if err := os.Chmod(cfg.Path, filePermissions); err != nil {
			sqlDB.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("restricting database permissions: %w", err)
		}
	}

	return &DB{DB: sqlDB}, nil
}

// dsn builds the go-sqlite3 connection string. Busy timeout is configured
// in seconds and passed in milliseconds.
func dsn(cfg config.DatabaseConfig) string {
	if cfg.Path == MemoryPath {
		return MemoryPath
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	if cfg.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*1000))
	}
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the database. It is safe on a zero DB.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
