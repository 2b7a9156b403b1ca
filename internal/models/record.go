// Package models provides data model definitions for the fitlog core.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EntityType identifies a tracked entity collection.
type EntityType string

const (
	EntityProfile   EntityType = "profile"
	EntityWorkout   EntityType = "workout"
	EntityNutrition EntityType = "nutrition"
	EntityProgress  EntityType = "progress"
)

// EntityTypes lists every tracked entity type.
var EntityTypes = []EntityType{EntityProfile, EntityWorkout, EntityNutrition, EntityProgress}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is one locally stored entity in a namespace.
type Record struct {
	Namespace     Namespace       `db:"namespace" json:"namespace"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Data          json.RawMessage `db:"data" json:"data,omitempty"`
	Version       int64           `db:"version" json:"version"`
	SyncedVersion int64           `db:"synced_version" json:"synced_version"`
	Seq           int64           `db:"seq" json:"seq"`               // store-wide last-modified watermark
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"` // unix nanoseconds
	Deleted       bool            `db:"deleted" json:"deleted"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Key returns the namespace-qualified key of the record.
func (r *Record) Key() string {
	return RecordKey(r.Namespace, r.EntityType, r.EntityID)
}

// LocalKey returns the key of the record without its namespace. Migration
// markers are tracked per local key.
func (r *Record) LocalKey() string {
	return fmt.Sprintf("%s/%s", r.EntityType, r.EntityID)
}

// Divergent reports whether the record has changes not confirmed remotely.
func (r *Record) Divergent() bool {
	return r.Version != r.SyncedVersion
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(0, r.UpdatedAt)
}

// SameContent reports whether two records carry the same payload state.
func (r *Record) SameContent(other *Record) bool {
	if other == nil {
		return false
	}
	return r.Deleted == other.Deleted && string(r.Data) == string(other.Data)
}

// RecordKey builds a namespace-qualified record key.
func RecordKey(ns Namespace, entityType EntityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", ns, entityType, entityID)
}

// RemoteKey returns the object key of an entity in remote storage.
func RemoteKey(userID string, entityType EntityType, entityID string) string {
	return fmt.Sprintf("users/%s/%s/%s.json", userID, entityType, entityID)
}
