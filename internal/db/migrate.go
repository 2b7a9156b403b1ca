package db

import (
	"fmt"

	"github.com/kimhsiao/fitlog/backend/internal/db/migrations"
	"github.com/pressly/goose/v3"
)

// Migrate applies all pending schema migrations embedded in the binary.
func Migrate(db *DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db.DB.DB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the version of the most recently applied migration.
func SchemaVersion(db *DB) (int64, error) {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}
	return goose.GetDBVersion(db.DB.DB)
}

// OpenStore opens the database in dataDir, migrates it and returns a Store.
func OpenStore(dataDir string) (*Store, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}
