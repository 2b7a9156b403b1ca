// Package migration moves guest data into a newly authenticated account.
//
// The DataManager re-keys guest records into the user's namespace, exactly
// once per user. Each key is copied together with a per-key marker, so an
// interrupted run resumes where it stopped. The completion marker is written
// only after every guest key has been copied and verified.
package migration

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kimhsiao/fitlog/backend/internal/db"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Store is the part of the local database the DataManager uses.
type Store interface {
	ListRecords(ctx context.Context, ns models.Namespace, includeDeleted bool) ([]models.Record, error)
	CountRecords(ctx context.Context, ns models.Namespace) (int, error)
	GetRecord(ctx context.Context, ns models.Namespace, et models.EntityType, id string) (*models.Record, error)
	CopyGuestRecord(ctx context.Context, userID string, src models.Record) (db.CopyOutcome, error)
	MigratedKeys(ctx context.Context, userID string) ([]string, error)
	MigrationMarker(ctx context.Context, userID string) (*models.MigrationMarker, error)
	CompleteMigration(ctx context.Context, userID string, migrated int) (*models.MigrationMarker, error)
}

// DataManager re-keys guest records. Migrations are serialized.
type DataManager struct {
	store Store
	now   func() time.Time

	mu gosync.Mutex

	// beforeCopy runs ahead of each key copy. Tests use it to interrupt a run.
	beforeCopy func(key string) error
}

// NewDataManager creates a DataManager.
func NewDataManager(store Store) *DataManager {
	return &DataManager{store: store, now: time.Now}
}

// HasGuestDataForMigration reports whether live guest records exist.
func (m *DataManager) HasGuestDataForMigration(ctx context.Context) (bool, error) {
	n, err := m.store.CountRecords(ctx, models.GuestNamespace)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MigrateGuestDataToUser copies every live guest record into the namespace
// of userID. A user with a completion marker is returned as already
// completed without touching any record. A run that cannot copy every key
// returns ErrMigrationPartialFailure; running it again copies only the keys
// still missing.
func (m *DataManager) MigrateGuestDataToUser(ctx context.Context, userID string) (*models.MigrationResult, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &models.MigrationResult{
		UserID:       userID,
		MigratedKeys: []string{},
		StartedAt:    m.now(),
	}
	finish := func() *models.MigrationResult {
		result.FinishedAt = m.now()
		return result
	}

	marker, err := m.store.MigrationMarker(ctx, userID)
	if err != nil {
		return finish(), err
	}
	if marker != nil {
		result.Success = true
		result.AlreadyCompleted = true
		logging.Info("[Migration] Already completed", map[string]interface{}{
			"user_id":      userID,
			"completed_at": time.Unix(0, marker.CompletedAt),
		})
		return finish(), nil
	}

	guest, err := m.store.ListRecords(ctx, models.GuestNamespace, false)
	if err != nil {
		return finish(), err
	}
	marked, err := m.markedKeys(ctx, userID)
	if err != nil {
		return finish(), err
	}
	logging.Info("[Migration] Starting guest data migration", map[string]interface{}{
		"user_id":      userID,
		"guest_keys":   len(guest),
		"already_done": marked.Cardinality(),
	})

	for _, rec := range guest {
		key := rec.LocalKey()
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
			return finish(), m.partial(result, err)
		}
		if marked.Contains(key) {
			result.SkippedKeys = append(result.SkippedKeys, key)
			continue
		}
		if m.beforeCopy != nil {
			if err := m.beforeCopy(key); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
				return finish(), m.partial(result, err)
			}
		}

		outcome, err := m.store.CopyGuestRecord(ctx, userID, rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
			logging.Error("[Migration] Failed to copy guest record", err, map[string]interface{}{
				"user_id": userID,
				"key":     key,
			})
			continue
		}
		switch outcome {
		case db.CopyAlreadyMarked:
			result.SkippedKeys = append(result.SkippedKeys, key)
		case db.CopyKeptExisting:
			logging.Debug("[Migration] Account already holds a newer record", map[string]interface{}{
				"user_id": userID,
				"key":     key,
			})
			result.MigratedKeys = append(result.MigratedKeys, key)
		default:
			result.MigratedKeys = append(result.MigratedKeys, key)
		}
	}
	if len(result.Errors) > 0 {
		return finish(), m.partial(result, nil)
	}

	if err := m.verify(ctx, userID, guest); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return finish(), m.partial(result, err)
	}
	if _, err := m.store.CompleteMigration(ctx, userID, len(guest)); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return finish(), m.partial(result, err)
	}

	result.Success = true
	logging.Info("[Migration] Guest data migrated", map[string]interface{}{
		"user_id":  userID,
		"migrated": len(result.MigratedKeys),
		"skipped":  len(result.SkippedKeys),
	})
	return finish(), nil
}

// verify checks that every guest key carries a marker and is present in the
// user's namespace.
func (m *DataManager) verify(ctx context.Context, userID string, guest []models.Record) error {
	marked, err := m.markedKeys(ctx, userID)
	if err != nil {
		return err
	}
	ns := models.UserNamespace(userID)
	for _, rec := range guest {
		key := rec.LocalKey()
		if !marked.Contains(key) {
			return fmt.Errorf("key %s has no migration marker", key)
		}
		if _, err := m.store.GetRecord(ctx, ns, rec.EntityType, rec.EntityID); err != nil {
			return fmt.Errorf("key %s missing from account: %w", key, err)
		}
	}
	return nil
}

func (m *DataManager) markedKeys(ctx context.Context, userID string) (mapset.Set[string], error) {
	keys, err := m.store.MigratedKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	return mapset.NewThreadUnsafeSet(keys...), nil
}

func (m *DataManager) partial(result *models.MigrationResult, cause error) error {
	msg := fmt.Sprintf("migration for %s incomplete: %d keys copied, %d failed",
		result.UserID, len(result.MigratedKeys)+len(result.SkippedKeys), len(result.Errors))
	logging.Warn("[Migration] Migration incomplete, re-run to resume", map[string]interface{}{
		"user_id": result.UserID,
		"errors":  result.Errors,
	})
	if cause == nil {
		return apperrors.New(apperrors.ErrMigrationPartialFailure, msg)
	}
	return apperrors.Wrap(apperrors.ErrMigrationPartialFailure, msg, cause)
}
