package integration

import (
	"context"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/monitor"
	"github.com/kimhsiao/fitlog/backend/internal/sync/scheduler"
)

// State is the lifecycle state of an Integration.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// EventType names an integration event.
type EventType string

const (
	EventInitialized        EventType = "initialized"
	EventAuthenticated      EventType = "authenticated"
	EventServicesStarted    EventType = "services_started"
	EventServicesStopped    EventType = "services_stopped"
	EventSyncCompleted      EventType = "sync_completed"
	EventBackupCreated      EventType = "backup_created"
	EventRestoreCompleted   EventType = "restore_completed"
	EventMigrationCompleted EventType = "migration_completed"
	EventHealthChanged      EventType = "health_changed"
	EventError              EventType = "error"
)

// IntegrationEvent is delivered to event subscribers.
type IntegrationEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// IntegrationStatus combines the status of every component.
type IntegrationStatus struct {
	State        State                   `json:"state"`
	UserID       string                  `json:"user_id,omitempty"`
	Sync         syncpkg.SyncStatus      `json:"sync"`
	Metrics      monitor.Metrics         `json:"metrics"`
	Health       monitor.Health          `json:"health"`
	Backup       backup.BackupStatus     `json:"backup"`
	LastDecision *scheduler.Decision     `json:"last_decision,omitempty"`
	Migration    *models.MigrationResult `json:"migration,omitempty"`
	Error        string                  `json:"error,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Status returns the current combined status.
func (i *Integration) Status() IntegrationStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// OnStatusChange subscribes to combined status updates.
func (i *Integration) OnStatusChange(fn func(IntegrationStatus)) (unsubscribe func()) {
	return i.statusObs.Subscribe(fn)
}

// OnEvent subscribes to integration events.
func (i *Integration) OnEvent(fn func(IntegrationEvent)) (unsubscribe func()) {
	return i.eventObs.Subscribe(fn)
}

func (i *Integration) setState(st State) {
	i.updateStatus(func(s *IntegrationStatus) {
		s.State = st
		if st != StateError {
			s.Error = ""
		}
	})
}

// updateStatus applies fn under the lock and notifies subscribers after
// releasing it.
func (i *Integration) updateStatus(fn func(s *IntegrationStatus)) {
	i.mu.Lock()
	fn(&i.status)
	i.status.UpdatedAt = i.now()
	snapshot := i.status
	i.mu.Unlock()
	i.statusObs.Notify(snapshot)
}

func (i *Integration) emit(typ EventType, msg string, data interface{}) {
	i.eventObs.Notify(IntegrationEvent{
		Type:      typ,
		Timestamp: i.now(),
		Message:   msg,
		Data:      data,
	})
}

// fail records err as the status error, emits an error event and returns
// err unchanged.
func (i *Integration) fail(op string, err error) error {
	code := apperrors.CodeOf(err)
	logging.ErrorWithCode("[Integration] "+op+" failed", string(code), err)
	i.updateStatus(func(s *IntegrationStatus) { s.Error = err.Error() })
	i.eventObs.Notify(IntegrationEvent{
		Type:      EventError,
		Timestamp: i.now(),
		Message:   op,
		Data:      map[string]string{"code": string(code)},
		Error:     err.Error(),
	})
	return err
}

// ComponentState is the health of one component.
type ComponentState string

const (
	ComponentHealthy   ComponentState = "healthy"
	ComponentDegraded  ComponentState = "degraded"
	ComponentUnhealthy ComponentState = "unhealthy"
)

// ComponentHealth reports one component.
type ComponentHealth struct {
	State   ComponentState `json:"state"`
	Message string         `json:"message,omitempty"`
}

// ServiceHealth is the health summary of every component. Overall is the
// worst component state.
type ServiceHealth struct {
	Overall    ComponentState             `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

var componentRank = map[ComponentState]int{
	ComponentHealthy:   0,
	ComponentDegraded:  1,
	ComponentUnhealthy: 2,
}

// GetServiceHealth checks each component.
func (i *Integration) GetServiceHealth(ctx context.Context) ServiceHealth {
	h := ServiceHealth{
		Overall:    ComponentHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  i.now(),
	}
	set := func(name string, st ComponentState, msg string) {
		h.Components[name] = ComponentHealth{State: st, Message: msg}
		if componentRank[st] > componentRank[h.Overall] {
			h.Overall = st
		}
	}

	if !i.ready() || i.store == nil {
		set("database", ComponentUnhealthy, "not initialized")
		return h
	}

	if err := i.store.DB().PingContext(ctx); err != nil {
		set("database", ComponentUnhealthy, err.Error())
	} else {
		set("database", ComponentHealthy, "")
	}

	ss := i.engine.Status()
	switch {
	case !ss.IsOnline:
		set("sync", ComponentDegraded, "offline")
	case ss.DeadLetters > 0:
		set("sync", ComponentDegraded, "operations need attention")
	default:
		set("sync", ComponentHealthy, "")
	}

	switch q := i.monitor.Health().Quality; q {
	case monitor.QualityGood:
		set("connection", ComponentHealthy, "")
	default:
		set("connection", ComponentDegraded, string(q))
	}

	switch bs := i.backups.Status(); bs.BackupHealth {
	case backup.HealthCritical:
		set("backup", ComponentUnhealthy, "no usable recent backup")
	case backup.HealthWarning:
		set("backup", ComponentDegraded, "backup overdue or last attempt failed")
	default:
		set("backup", ComponentHealthy, "")
	}

	if i.runner.IsRunning() {
		set("runner", ComponentHealthy, "")
	} else {
		set("runner", ComponentDegraded, "background sync not running")
	}
	return h
}
