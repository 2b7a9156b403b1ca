package db

import (
	"context"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

const operationColumns = `id, namespace, entity_type, entity_id, kind, payload, payload_version, seq,
	created_at, updated_at, attempt_count, next_attempt_at, last_error, dead`

// LoadOperations returns every persisted operation, dead letters included,
// in enqueue order.
func (s *Store) LoadOperations(ctx context.Context) ([]*models.PendingOperation, error) {
	var ops []*models.PendingOperation
	err := s.db.SelectContext(ctx, &ops, `SELECT `+operationColumns+` FROM pending_operations ORDER BY seq, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load pending operations", err)
	}
	return ops, nil
}

// SaveOperation inserts or updates an operation by id.
func (s *Store) SaveOperation(ctx context.Context, op *models.PendingOperation) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO pending_operations (`+operationColumns+`)
		VALUES (:id, :namespace, :entity_type, :entity_id, :kind, :payload, :payload_version, :seq,
			:created_at, :updated_at, :attempt_count, :next_attempt_at, :last_error, :dead)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			payload_version = excluded.payload_version,
			seq = excluded.seq,
			updated_at = excluded.updated_at,
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			dead = excluded.dead`, op)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save pending operation", err)
	}
	return nil
}

// DeleteOperation removes an operation by id. Deleting a missing id is not
// an error.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete pending operation", err)
	}
	return nil
}

// CountOperations returns the number of live and dead-lettered operations.
func (s *Store) CountOperations(ctx context.Context) (live, dead int, err error) {
	rows := []struct {
		Dead  bool `db:"dead"`
		Count int  `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT dead, COUNT(*) AS n FROM pending_operations GROUP BY dead`); err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending operations", err)
	}
	for _, r := range rows {
		if r.Dead {
			dead = r.Count
		} else {
			live = r.Count
		}
	}
	return live, dead, nil
}
