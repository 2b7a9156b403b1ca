// Package db provides database connection management and the local store.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// FileName is the database file inside the data directory.
const FileName = "fitlog.db"

// Pragmas applied to every connection.
// - WAL mode for concurrent readers during a sync cycle
// - busy timeout so a backup read does not fail on a writer
// - foreign key constraints enabled
const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
`

func init() {
	// sqlx does not know the modernc driver name; it binds with '?'.
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// DB wraps sqlx.DB with fitlog-specific configuration.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens fitlog.db in dataDir, creating the directory when needed.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens a SQLite database at path.
func OpenPath(path string) (*DB, error) {
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
