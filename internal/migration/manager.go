package migration

import (
	"context"
	gosync "sync"

	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/observer"
)

// Engine is the part of the sync engine a migration drives.
type Engine interface {
	Pause(ctx context.Context) error
	Resume()
	EnqueueDivergent(ctx context.Context) (int, error)
}

// Manager runs a guest-to-account migration end to end: the key remap, then
// the remote push through the sync queue. Sync is paused until the remap is
// durable, so no cycle reads a half-migrated namespace.
type Manager struct {
	data   *DataManager
	engine Engine

	mu   gosync.Mutex
	last *models.MigrationResult

	observers observer.List[models.MigrationResult]
}

// NewManager creates a Manager. engine may be nil; the remote push is then
// left to the next EnqueueDivergent.
func NewManager(data *DataManager, engine Engine) *Manager {
	return &Manager{data: data, engine: engine}
}

// Data returns the underlying DataManager.
func (m *Manager) Data() *DataManager {
	return m.data
}

// HasGuestDataForMigration reports whether live guest records exist.
func (m *Manager) HasGuestDataForMigration(ctx context.Context) (bool, error) {
	return m.data.HasGuestDataForMigration(ctx)
}

// StartProfileMigration migrates guest data to userID and queues the
// result for upload. The returned error reflects only the local remap: a
// failure to queue leaves RemotePending set and is retried by ordinary sync.
func (m *Manager) StartProfileMigration(ctx context.Context, userID string) (*models.MigrationResult, error) {
	if m.engine != nil {
		if err := m.engine.Pause(ctx); err != nil {
			return nil, err
		}
	}
	resumed := false
	resume := func() {
		if m.engine != nil && !resumed {
			resumed = true
			m.engine.Resume()
		}
	}
	defer resume()

	result, err := m.data.MigrateGuestDataToUser(ctx, userID)
	if err != nil {
		if result != nil {
			m.publish(result)
		}
		return result, err
	}
	resume()

	if m.engine != nil && !result.AlreadyCompleted {
		n, qerr := m.engine.EnqueueDivergent(ctx)
		result.Enqueued = n
		if qerr != nil {
			result.Errors = append(result.Errors, "queue for upload: "+qerr.Error())
			logging.Warn("[Migration] Migrated data not queued, will retry with the next sync", map[string]interface{}{
				"user_id": userID,
				"error":   qerr.Error(),
			})
		}
		result.RemotePending = qerr != nil || n > 0
	}

	m.publish(result)
	return result, nil
}

// LastResult returns the outcome of the most recent migration, or nil.
func (m *Manager) LastResult() *models.MigrationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

// OnMigration subscribes to migration results.
func (m *Manager) OnMigration(fn func(models.MigrationResult)) (unsubscribe func()) {
	return m.observers.Subscribe(fn)
}

func (m *Manager) publish(result *models.MigrationResult) {
	cp := *result
	m.mu.Lock()
	m.last = &cp
	m.mu.Unlock()
	m.observers.Notify(cp)
}
