package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// CopyOutcome is the result of copying one guest record.
type CopyOutcome int

const (
	// CopyApplied wrote the guest record into the user namespace.
	CopyApplied CopyOutcome = iota
	// CopyKeptExisting found a newer record already in the user namespace.
	CopyKeptExisting
	// CopyAlreadyMarked found a per-key marker from an earlier run.
	CopyAlreadyMarked
)

// CopyGuestRecord copies src into the namespace of userID and writes the
// per-key marker in the same transaction, so an interrupted migration never
// leaves a copied key without its marker or the reverse.
func (s *Store) CopyGuestRecord(ctx context.Context, userID string, src models.Record) (CopyOutcome, error) {
	target := models.UserNamespace(userID)
	key := src.LocalKey()
	outcome := CopyApplied

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var marked int
		if err := tx.GetContext(ctx, &marked, `SELECT COUNT(*) FROM migration_keys WHERE user_id = ? AND record_key = ?`,
			userID, key); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read migration marker", err)
		}
		if marked > 0 {
			outcome = CopyAlreadyMarked
			return nil
		}

		existing, err := getRecord(ctx, tx, target, src.EntityType, src.EntityID)
		if err != nil {
			return err
		}
		if existing != nil && existing.UpdatedAt > src.UpdatedAt {
			outcome = CopyKeptExisting
		} else {
			seq, err := nextSeq(ctx, tx)
			if err != nil {
				return err
			}
			rec := src
			rec.Namespace = target
			rec.Seq = seq
			rec.Version = 1
			rec.SyncedVersion = 0
			if existing != nil {
				rec.Version = existing.Version + 1
				rec.SyncedVersion = existing.SyncedVersion
			}
			if _, err := tx.NamedExecContext(ctx, upsertRecordSQL, &rec); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to copy guest record", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO migration_keys (user_id, record_key, migrated_at) VALUES (?, ?, ?)`,
			userID, key, s.now().UnixNano()); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to write migration marker", err)
		}
		return nil
	})
	return outcome, err
}

// MigratedKeys returns the local keys that carry a per-key marker for userID.
func (s *Store) MigratedKeys(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `SELECT record_key FROM migration_keys WHERE user_id = ? ORDER BY record_key`, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list migration markers", err)
	}
	return keys, nil
}

// MigrationMarker returns the completion marker for userID, or nil.
func (s *Store) MigrationMarker(ctx context.Context, userID string) (*models.MigrationMarker, error) {
	var m models.MigrationMarker
	err := s.db.GetContext(ctx, &m, `SELECT user_id, completed_at, migrated_keys FROM migrations WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read migration marker", err)
	}
	return &m, nil
}

// CompleteMigration sets the completion marker for userID and purges the
// migrated guest records in one transaction.
func (s *Store) CompleteMigration(ctx context.Context, userID string, migrated int) (*models.MigrationMarker, error) {
	marker := &models.MigrationMarker{
		UserID:       userID,
		CompletedAt:  s.now().UnixNano(),
		MigratedKeys: migrated,
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO migrations (user_id, completed_at, migrated_keys)
			VALUES (:user_id, :completed_at, :migrated_keys)`, marker); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to write completion marker", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND (deleted = 1 OR
			entity_type || '/' || entity_id IN (SELECT record_key FROM migration_keys WHERE user_id = ?))`,
			models.GuestNamespace, userID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to purge guest records", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marker, nil
}
