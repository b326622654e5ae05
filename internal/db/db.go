package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const DefaultName = "connector.db"

type Config struct {
	// Path is the database file. Empty means DefaultName under Dir.
	Path string
	Dir  string
	// BusyTimeoutMS bounds how long a writer waits on a locked database.
	BusyTimeoutMS int
}

func (c Config) resolve() string {
	if c.Path != "" {
		return c.Path
	}
	dir := c.Dir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, DefaultName)
}

// Open opens the SQLite database in WAL mode with foreign keys on. A single
// connection serializes writers within a handle; transactions begin
// IMMEDIATE so handles on the same file queue on busy_timeout instead of
// failing a read-to-write upgrade.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.resolve()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, busy)
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

// Path returns the file Open would use for cfg.
func Path(cfg Config) string {
	return cfg.resolve()
}
