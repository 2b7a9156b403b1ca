// Package models provides data model definitions for the fitlog core.
package models

import "time"

// MigrationResult describes one guest-to-account key remap.
type MigrationResult struct {
	UserID           string    `json:"user_id"`
	Success          bool      `json:"success"`
	MigratedKeys     []string  `json:"migrated_keys"`
	SkippedKeys      []string  `json:"skipped_keys,omitempty"` // already carried a per-key marker
	Errors           []string  `json:"errors,omitempty"`
	AlreadyCompleted bool      `json:"already_completed"`
	Enqueued         int       `json:"enqueued"`
	RemotePending    bool      `json:"remote_pending"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// MigrationMarker is the durable completion marker for a user.
type MigrationMarker struct {
	UserID       string `db:"user_id" json:"user_id"`
	CompletedAt  int64  `db:"completed_at" json:"completed_at"`
	MigratedKeys int    `db:"migrated_keys" json:"migrated_keys"`
}

// TableName returns the table name for MigrationMarker.
func (MigrationMarker) TableName() string {
	return "migrations"
}
