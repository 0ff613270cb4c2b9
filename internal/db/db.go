// Package db opens the local SQLite database that backs persistent preferences.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/memohai/chatsync/internal/config"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// DSN builds a SQLite connection string from config with WAL and a busy timeout.
func DSN(cfg config.StorageConfig) string {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = config.DefaultStoragePath
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open opens (and creates if needed) the SQLite database and verifies it with a ping.
func Open(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	if cfg.InMemory() {
		return nil, fmt.Errorf("storage path %q is in-memory; no database to open", cfg.Path)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	conn, err := sql.Open(DriverName, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return conn, nil
}
