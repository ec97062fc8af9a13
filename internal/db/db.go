package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// Dir is the workspace subdirectory holding dealgate state.
	Dir        = ".dealgate"
	fileName   = "dealgate.db"
	busyMillis = 5000
)

type Config struct {
	Workspace string
	// Path overrides the database file location; Workspace is ignored when set.
	Path string
}

// EnsureWorkspace creates the state directory if missing and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the SQLite database. All access goes through a single connection
// so concurrent appends from one wave serialize instead of failing with
// SQLITE_BUSY; callers must not query the *sql.DB while holding an open
// transaction.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = Path(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyMillis)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}

// Path returns the database path for the workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), Dir, fileName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
