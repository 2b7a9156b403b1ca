// Package models provides data model definitions for the fitlog core.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// OperationKind is the remote mutation a pending operation performs.
type OperationKind string

const (
	OperationUpsert OperationKind = "upsert"
	OperationDelete OperationKind = "delete"
)

// PendingOperation is a local mutation waiting to be applied remotely.
type PendingOperation struct {
	ID             string          `db:"id" json:"id"`
	Namespace      Namespace       `db:"namespace" json:"namespace"`
	EntityType     EntityType      `db:"entity_type" json:"entity_type"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	Kind           OperationKind   `db:"kind" json:"kind"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	PayloadVersion int64           `db:"payload_version" json:"payload_version"`
	Seq            int64           `db:"seq" json:"seq"` // enqueue order
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	UpdatedAt      int64           `db:"updated_at" json:"updated_at"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt  int64           `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	Dead           bool            `db:"dead" json:"dead"`

	// Revision increases every time the payload is coalesced. It is not
	// persisted; an in-flight attempt only completes the revision it sent.
	Revision int `db:"-" json:"-"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// Key returns the logical entity key the operation targets.
func (op *PendingOperation) Key() string {
	return RecordKey(op.Namespace, op.EntityType, op.EntityID)
}

// RemoteKey returns the remote object key the operation writes.
func (op *PendingOperation) RemoteKey() string {
	return RemoteKey(op.Namespace.UserID(), op.EntityType, op.EntityID)
}

// CreatedAtTime returns CreatedAt as time.Time.
func (op *PendingOperation) CreatedAtTime() time.Time {
	return time.Unix(0, op.CreatedAt)
}

// NextAttemptTime returns NextAttemptAt as time.Time.
func (op *PendingOperation) NextAttemptTime() time.Time {
	return time.Unix(0, op.NextAttemptAt)
}

// Clone returns a deep copy of the operation.
func (op *PendingOperation) Clone() *PendingOperation {
	c := *op
	if op.Payload != nil {
		c.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	return &c
}
