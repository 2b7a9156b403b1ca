// Package models provides data model definitions for the fitlog core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BackupType distinguishes full snapshots from incremental ones.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

// EntityCounts maps an entity type to the number of records in a snapshot.
type EntityCounts map[EntityType]int

// Total returns the sum over all entity types.
func (c EntityCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Value implements driver.Valuer for EntityCounts.
func (c EntityCounts) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for EntityCounts.
func (c *EntityCounts) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*c = EntityCounts{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported entity counts type %T", value)
	}
	counts := EntityCounts{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return err
	}
	*c = counts
	return nil
}

// BackupRecord is one entry in the append-only backup index.
type BackupRecord struct {
	ID           string       `db:"id" json:"id"`
	Type         BackupType   `db:"type" json:"type"`
	BaseID       string       `db:"base_id" json:"base_id,omitempty"` // predecessor of an incremental
	Description  string       `db:"description" json:"description,omitempty"`
	CreatedAt    int64        `db:"created_at" json:"created_at"`
	SizeBytes    int64        `db:"size_bytes" json:"size_bytes"`
	Checksum     string       `db:"checksum" json:"checksum"` // SHA-256 of the stored payload
	EntityCounts EntityCounts `db:"entity_counts" json:"entity_counts"`
	Watermark    int64        `db:"watermark" json:"watermark"`
}

// TableName returns the table name for BackupRecord.
func (BackupRecord) TableName() string {
	return "backups"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (b *BackupRecord) CreatedAtTime() time.Time {
	return time.Unix(0, b.CreatedAt)
}
