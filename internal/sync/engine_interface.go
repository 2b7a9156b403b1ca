// Package sync delivers local mutations to remote storage.
package sync

import (
	"context"

	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Priority is the urgency a sync request is made with.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// GateFunc decides whether a scheduled cycle may start. A false return
// defers the cycle; reason is recorded in the result.
type GateFunc func(ctx context.Context, priority Priority) (allow bool, reason string)

// LocalStore is the part of the local database the engine touches.
// *db.Store implements it.
type LocalStore interface {
	MarkSynced(ctx context.Context, ns models.Namespace, et models.EntityType, id string, version int64) error
	DivergentRecords(ctx context.Context) ([]models.Record, error)
}

// Syncer is the engine surface used by schedulers, the backup service and
// the integration layer. *Engine implements it.
type Syncer interface {
	// StartSync runs a gated drain cycle. Concurrent calls share one cycle.
	StartSync(ctx context.Context, priority Priority) (*SyncResult, error)

	// ForceSync runs a drain cycle without consulting the gate.
	ForceSync(ctx context.Context) (*SyncResult, error)

	// Pause blocks new cycles and waits for the in-flight one to finish.
	Pause(ctx context.Context) error

	// Resume allows cycles again.
	Resume()

	// EnqueueRecord queues the current state of rec for remote delivery.
	EnqueueRecord(ctx context.Context, rec *models.Record) (*models.PendingOperation, error)

	// EnqueueDivergent queues every user record whose local version has
	// not been confirmed remotely.
	EnqueueDivergent(ctx context.Context) (int, error)

	// Status returns a snapshot of the engine state.
	Status() SyncStatus
}

var _ Syncer = (*Engine)(nil)
