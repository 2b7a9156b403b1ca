package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/sync/conflict"
)

// RecoveryType selects how much of a backup chain a restore applies.
type RecoveryType string

const (
	// RecoveryFull rebuilds the complete state at the backup, following an
	// incremental back to its full base.
	RecoveryFull RecoveryType = "full"
	// RecoveryPartial applies only the entities stored in the target backup.
	RecoveryPartial RecoveryType = "partial"
)

// RecoveryOptions configures a restore.
type RecoveryOptions struct {
	BackupID            string            `json:"backup_id"`
	RecoveryType        RecoveryType      `json:"recovery_type"`
	MergeStrategy       conflict.Strategy `json:"merge_strategy"`
	ValidateData        bool              `json:"validate_data"`
	CreateRecoveryPoint bool              `json:"create_recovery_point"`
}

// RecoveryResult summarizes a restore.
type RecoveryResult struct {
	BackupID        string            `json:"backup_id"`
	Chain           []string          `json:"chain"`
	RecoveryPointID string            `json:"recovery_point_id,omitempty"`
	Strategy        conflict.Strategy `json:"strategy"`
	Applied         int               `json:"applied"`
	KeptLocal       int               `json:"kept_local"`
	Removed         int               `json:"removed"`
	Unchanged       int               `json:"unchanged"`
	Enqueued        int               `json:"enqueued"`
	Duration        time.Duration     `json:"duration"`
}

// RecoverFromBackup restores local state from a backup. The sync engine is
// paused for the duration; its in-flight cycle finishes first. The merged
// records are written in a single transaction, so a failure at any step
// leaves local state as it was. Entities left divergent are queued for sync
// once the engine resumes.
func (s *Service) RecoverFromBackup(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error) {
	if opts.BackupID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "backup id is required")
	}
	if opts.RecoveryType == "" {
		opts.RecoveryType = RecoveryFull
	}
	if opts.RecoveryType != RecoveryFull && opts.RecoveryType != RecoveryPartial {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown recovery type %q", opts.RecoveryType))
	}
	strategy, err := conflict.ParseStrategy(string(opts.MergeStrategy))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid merge strategy", err)
	}

	release, err := s.acquire("restore")
	if err != nil {
		return nil, err
	}
	defer release()

	s.update(func(st *BackupStatus) { st.IsRestoring = true })
	result, err := s.recover(ctx, opts, strategy)
	s.update(func(st *BackupStatus) {
		st.IsRestoring = false
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Error = ""
		}
	})
	if _, rerr := s.Refresh(ctx); rerr != nil {
		logging.Error("[Backup] Failed to refresh status", rerr, nil)
	}
	if err != nil {
		logging.ErrorWithCode("[Backup] Restore failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"backup_id": opts.BackupID,
		})
	}
	return result, err
}

func (s *Service) recover(ctx context.Context, opts RecoveryOptions, strategy conflict.Strategy) (*RecoveryResult, error) {
	start := s.now()
	result := &RecoveryResult{BackupID: opts.BackupID, Strategy: strategy}

	ctrl := s.syncController()
	if ctrl != nil {
		if err := ctrl.Pause(ctx); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRestoreFailed, "failed to pause sync", err)
		}
	}
	resumed := false
	resume := func() {
		if ctrl != nil && !resumed {
			resumed = true
			ctrl.Resume()
		}
	}
	defer resume()

	records, chain, err := s.loadRecovery(ctx, opts)
	if err != nil {
		return nil, restoreError("failed to load backup", err)
	}
	result.Chain = chain

	if opts.CreateRecoveryPoint {
		rp, err := s.create(ctx, models.BackupFull, "recovery point before restoring "+opts.BackupID)
		if err != nil {
			return nil, restoreError("failed to create recovery point", err)
		}
		result.RecoveryPointID = rp.ID
	}

	local, err := s.store.AllRecords(ctx)
	if err != nil {
		return nil, restoreError("failed to read local records", err)
	}
	plan, err := conflict.NewResolver(strategy).Plan(local, records, opts.RecoveryType == RecoveryPartial)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptBackup, "backup cannot be merged", err)
	}

	if s.beforeApply != nil {
		if err := s.beforeApply(ctx); err != nil {
			return nil, restoreError("restore interrupted", err)
		}
	}
	if err := s.store.ReplaceRecords(ctx, plan.Writes); err != nil {
		return nil, restoreError("failed to apply backup", err)
	}
	result.Applied = plan.Applied
	result.KeptLocal = plan.KeptLocal
	result.Removed = plan.Removed
	result.Unchanged = plan.Unchanged

	resume()
	if ctrl != nil {
		n, err := ctrl.EnqueueDivergent(ctx)
		if err != nil {
			// The restore itself is durable; unqueued entities stay divergent
			// and are picked up by the next EnqueueDivergent.
			logging.Error("[Backup] Failed to queue restored entities", err, map[string]interface{}{
				"backup_id": opts.BackupID,
			})
		}
		result.Enqueued = n
	}
	result.Duration = s.now().Sub(start)

	logging.Info("[Backup] Restore completed", map[string]interface{}{
		"backup_id":         opts.BackupID,
		"recovery_type":     string(opts.RecoveryType),
		"strategy":          string(strategy),
		"chain":             chain,
		"recovery_point_id": result.RecoveryPointID,
		"applied":           result.Applied,
		"kept_local":        result.KeptLocal,
		"removed":           result.Removed,
		"enqueued":          result.Enqueued,
	})
	return result, nil
}

// loadRecovery returns the records to restore and the backup IDs they came
// from, oldest first.
func (s *Service) loadRecovery(ctx context.Context, opts RecoveryOptions) ([]models.Record, []string, error) {
	target, err := s.store.GetBackup(ctx, opts.BackupID)
	if err != nil {
		return nil, nil, err
	}

	chain := []*models.BackupRecord{target}
	if opts.RecoveryType == RecoveryFull {
		seen := map[string]bool{target.ID: true}
		for cur := target; cur.Type == models.BackupIncremental; {
			if cur.BaseID == "" {
				return nil, nil, apperrors.New(apperrors.ErrCorruptBackup, fmt.Sprintf("incremental backup %s has no base", cur.ID))
			}
			if seen[cur.BaseID] {
				return nil, nil, apperrors.New(apperrors.ErrCorruptBackup, fmt.Sprintf("backup chain of %s loops at %s", target.ID, cur.BaseID))
			}
			base, err := s.store.GetBackup(ctx, cur.BaseID)
			if err != nil {
				return nil, nil, apperrors.Wrap(apperrors.ErrBackupNotFound, fmt.Sprintf("backup chain of %s is broken", target.ID), err)
			}
			seen[base.ID] = true
			chain = append([]*models.BackupRecord{base}, chain...)
			cur = base
		}
	}

	snaps := make([]*Snapshot, 0, len(chain))
	idList := make([]string, 0, len(chain))
	for _, rec := range chain {
		snap, err := s.loadSnapshot(rec, opts.ValidateData)
		if err != nil {
			return nil, nil, err
		}
		snaps = append(snaps, snap)
		idList = append(idList, rec.ID)
	}
	return mergeChain(snaps), idList, nil
}

// restoreError keeps the code of classified failures and marks the rest as
// ErrRestoreFailed.
func restoreError(msg string, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCorruptBackup, apperrors.ErrBackupNotFound, apperrors.ErrInvalid:
		return err
	}
	return apperrors.Wrap(apperrors.ErrRestoreFailed, msg, err)
}
