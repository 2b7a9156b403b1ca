package integration

import (
	"context"
	"fmt"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	"github.com/kimhsiao/fitlog/backend/internal/device"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/scheduler"
)

// AuthData is what the platform reports after a successful sign-in.
type AuthData struct {
	UserID       string `json:"user_id"`
	IsNewAccount bool   `json:"is_new_account"`
	Token        string `json:"token,omitempty"`
}

// AuthResult reports what HandleAuthentication did. Migration is set when
// guest data was found. A failed migration does not fail authentication;
// MigrationError carries it instead.
type AuthResult struct {
	UserID         string                  `json:"user_id"`
	Migration      *models.MigrationResult `json:"migration,omitempty"`
	MigrationError string                  `json:"migration_error,omitempty"`
	Enqueued       int                     `json:"enqueued"`
}

var errNotInitialized = apperrors.New(apperrors.ErrInvalid, "integration is not initialized")

// HandleAuthentication switches the instance to userID. Guest data, if
// any, is migrated into the account and queued for upload; the user's own
// unsynced records are queued as well. A sync is requested afterwards when
// the background services are running.
func (i *Integration) HandleAuthentication(ctx context.Context, auth AuthData) (*AuthResult, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	if auth.UserID == "" {
		return nil, i.fail("authenticate", apperrors.New(apperrors.ErrInvalid, "user id is required"))
	}
	if ts, ok := i.remote.(tokenSetter); ok && auth.Token != "" {
		ts.SetToken(auth.Token)
	}
	if err := i.saveSession(auth.UserID); err != nil {
		return nil, i.fail("authenticate", err)
	}
	i.updateStatus(func(s *IntegrationStatus) {
		s.UserID = auth.UserID
		s.Error = ""
	})

	result := &AuthResult{UserID: auth.UserID}
	hasGuest, err := i.migration.HasGuestDataForMigration(ctx)
	if err != nil {
		return nil, i.fail("authenticate", err)
	}

	if hasGuest {
		mr, merr := i.migration.StartProfileMigration(ctx, auth.UserID)
		result.Migration = mr
		if merr != nil {
			result.MigrationError = merr.Error()
			_ = i.fail("migrate guest data", merr)
		} else {
			result.Enqueued = mr.Enqueued
			i.emit(EventMigrationCompleted, fmt.Sprintf("%d guest records moved to the account", len(mr.MigratedKeys)), mr)
		}
	}
	if result.Migration == nil || result.MigrationError == "" {
		// Records already owned by the account but never confirmed remotely.
		n, qerr := i.engine.EnqueueDivergent(ctx)
		if qerr != nil {
			logging.Warn("[Integration] Could not queue account records", map[string]interface{}{
				"user_id": auth.UserID,
				"error":   qerr.Error(),
			})
		}
		if n > result.Enqueued {
			result.Enqueued = n
		}
	}

	logging.Info("[Integration] Authenticated", map[string]interface{}{
		"user_id":     auth.UserID,
		"new_account": auth.IsNewAccount,
		"migrated":    result.Migration != nil && result.MigrationError == "",
		"enqueued":    result.Enqueued,
	})
	i.emit(EventAuthenticated, "signed in as "+auth.UserID, result)
	if i.runner.IsRunning() {
		i.runner.Trigger(context.WithoutCancel(ctx), syncpkg.PriorityHigh)
	}
	return result, nil
}

// SignOut returns the instance to guest mode. Queued account operations
// stay queued and upload after the next sign-in.
func (i *Integration) SignOut() error {
	if !i.ready() {
		return errNotInitialized
	}
	if err := i.saveSession(""); err != nil {
		return i.fail("sign out", err)
	}
	if ts, ok := i.remote.(tokenSetter); ok {
		ts.SetToken("")
	}
	i.updateStatus(func(s *IntegrationStatus) { s.UserID = "" })
	return nil
}

// UserID returns the signed-in user, or "" in guest mode.
func (i *Integration) UserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status.UserID
}

// StartSync runs a gated cycle at the given priority.
func (i *Integration) StartSync(ctx context.Context, priority syncpkg.Priority) (*syncpkg.SyncResult, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	if priority == "" {
		priority = syncpkg.PriorityNormal
	}
	res, err := i.engine.StartSync(ctx, priority)
	if err != nil {
		return res, i.fail("sync", err)
	}
	return res, nil
}

// ForceSync runs a cycle that bypasses the scheduler gate.
func (i *Integration) ForceSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	res, err := i.engine.ForceSync(ctx)
	if err != nil {
		return res, i.fail("force sync", err)
	}
	return res, nil
}

// CreateBackup takes a backup of the given type.
func (i *Integration) CreateBackup(ctx context.Context, typ models.BackupType, description string) (*models.BackupRecord, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	rec, err := i.backups.CreateBackup(ctx, typ, description)
	if err != nil {
		return nil, i.fail("create backup", err)
	}
	i.emit(EventBackupCreated, fmt.Sprintf("%s backup %s", rec.Type, rec.ID), rec)
	return rec, nil
}

// ListBackups returns the backup index, oldest first.
func (i *Integration) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	return i.backups.ListBackups(ctx)
}

// AuditBackups re-hashes every stored backup payload and reports the
// damaged ones. Backup health reflects the result.
func (i *Integration) AuditBackups(ctx context.Context) (*backup.AuditReport, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	report, err := i.backups.Audit(ctx)
	if err != nil {
		return nil, i.fail("audit backups", err)
	}
	return report, nil
}

// RestoreFromBackup restores local state from backupID.
func (i *Integration) RestoreFromBackup(ctx context.Context, backupID string, opts backup.RecoveryOptions) (*backup.RecoveryResult, error) {
	if !i.ready() {
		return nil, errNotInitialized
	}
	opts.BackupID = backupID
	res, err := i.backups.RecoverFromBackup(ctx, opts)
	if err != nil {
		return nil, i.fail("restore", err)
	}
	i.emit(EventRestoreCompleted, fmt.Sprintf("restored %s: %d applied, %d removed", backupID, res.Applied, res.Removed), res)
	return res, nil
}

// MakeSyncDecision evaluates the scheduler rules for priority without
// running a cycle.
func (i *Integration) MakeSyncDecision(ctx context.Context, priority syncpkg.Priority) (scheduler.Decision, error) {
	if !i.ready() {
		return scheduler.Decision{}, errNotInitialized
	}
	d, err := i.scheduler.MakeSyncDecision(ctx, priority)
	if err != nil {
		return d, i.fail("sync decision", err)
	}
	i.updateStatus(func(s *IntegrationStatus) { s.LastDecision = &d })
	return d, nil
}

// GetCurrentConditions samples the device probe.
func (i *Integration) GetCurrentConditions(ctx context.Context) (device.Conditions, error) {
	if !i.ready() {
		return device.Conditions{}, errNotInitialized
	}
	return i.scheduler.GetCurrentConditions(ctx)
}

// ReportConditions records platform-reported device conditions and applies
// a connectivity change immediately.
func (i *Integration) ReportConditions(ctx context.Context, c device.Conditions) {
	if c.SampledAt.IsZero() {
		c.SampledAt = i.now()
	}
	i.reported.Set(c)
	if i.ready() {
		i.runner.CheckConnectivity(ctx)
	}
}

// DeadLetters returns the operations that exhausted their retries.
func (i *Integration) DeadLetters() []*models.PendingOperation {
	if !i.ready() {
		return nil
	}
	return i.engine.DeadLetters()
}

// RetryDeadLetters moves every dead letter back into the queue.
func (i *Integration) RetryDeadLetters(ctx context.Context) (int, error) {
	if !i.ready() {
		return 0, errNotInitialized
	}
	n, err := i.engine.RetryDeadLetters(ctx)
	if err != nil {
		return n, i.fail("retry dead letters", err)
	}
	return n, nil
}

// DiscardDeadLetter drops one dead letter.
func (i *Integration) DiscardDeadLetter(ctx context.Context, id string) error {
	if !i.ready() {
		return errNotInitialized
	}
	return i.engine.DiscardDeadLetter(ctx, id)
}
