package shardcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// OpenFunc opens a read-only connection to the shard at path.
type OpenFunc func(ctx context.Context, path string) (*sql.DB, error)

const readOnlyParams = "?mode=ro&_query_only=true&_busy_timeout=5000"

var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// OpenReadOnly opens path with SQLite in read-only mode and verifies the
// connection. A missing file is an error rather than a new empty database.
func OpenReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat shard: %w", err)
	}
	dsn := "file:" + uriEscaper.Replace(filepath.ToSlash(path)) + readOnlyParams
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shard: %w", err)
	}
	return db, nil
}

// Canonical returns the path used to dedupe descriptors: absolute, cleaned,
// symlinks resolved where possible, and case-folded on Windows.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonical path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}
