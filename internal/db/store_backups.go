package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

const backupColumns = `id, type, base_id, description, created_at, size_bytes, checksum, entity_counts, watermark`

// InsertBackup appends a record to the backup index.
func (s *Store) InsertBackup(ctx context.Context, b *models.BackupRecord) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO backups (`+backupColumns+`)
		VALUES (:id, :type, :base_id, :description, :created_at, :size_bytes, :checksum, :entity_counts, :watermark)`, b)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert backup record", err)
	}
	return nil
}

// ListBackups returns the backup index, oldest first.
func (s *Store) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	var out []models.BackupRecord
	if err := s.db.SelectContext(ctx, &out, `SELECT `+backupColumns+` FROM backups ORDER BY created_at, id`); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list backups", err)
	}
	return out, nil
}

// GetBackup returns one backup record.
func (s *Store) GetBackup(ctx context.Context, id string) (*models.BackupRecord, error) {
	var b models.BackupRecord
	err := s.db.GetContext(ctx, &b, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrBackupNotFound, "backup "+id+" not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get backup", err)
	}
	return &b, nil
}

// LatestBackup returns the most recent backup, or nil when there is none.
func (s *Store) LatestBackup(ctx context.Context) (*models.BackupRecord, error) {
	var b models.BackupRecord
	err := s.db.GetContext(ctx, &b, `SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get latest backup", err)
	}
	return &b, nil
}

// DeleteBackup removes a record from the index.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete backup record", err)
	}
	return nil
}

// ChecksumRefs returns how many index entries point at a payload.
func (s *Store) ChecksumRefs(ctx context.Context, checksum string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM backups WHERE checksum = ?`, checksum); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count checksum references", err)
	}
	return n, nil
}
