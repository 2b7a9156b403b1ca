package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Store is the local persistence layer: namespaced records, the durable
// operation queue, the backup index and migration markers.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a Store on an opened and migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `namespace, entity_type, entity_id, data, version, synced_version, seq, updated_at, deleted`

const upsertRecordSQL = `INSERT INTO records (` + recordColumns + `)
	VALUES (:namespace, :entity_type, :entity_id, :data, :version, :synced_version, :seq, :updated_at, :deleted)
	ON CONFLICT(namespace, entity_type, entity_id) DO UPDATE SET
		data = excluded.data,
		version = excluded.version,
		synced_version = excluded.synced_version,
		seq = excluded.seq,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted`

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var seq int64
	if err := tx.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM records`); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to allocate sequence", err)
	}
	return seq, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, ns models.Namespace, et models.EntityType, id string) (*models.Record, error) {
	var rec models.Record
	err := sqlx.GetContext(ctx, q, &rec, `SELECT `+recordColumns+` FROM records
		WHERE namespace = ? AND entity_type = ? AND entity_id = ?`, ns, et, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get record", err)
	}
	return &rec, nil
}

func validateKey(ns models.Namespace, et models.EntityType, id string) error {
	if ns == "" || id == "" {
		return apperrors.New(apperrors.ErrInvalid, "namespace and entity id are required")
	}
	if !et.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", et))
	}
	return nil
}

// PutRecord creates or updates a record, bumping its version and assigning
// a fresh watermark.
func (s *Store) PutRecord(ctx context.Context, ns models.Namespace, et models.EntityType, id string, data json.RawMessage) (*models.Record, error) {
	if err := validateKey(ns, et, id); err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, apperrors.New(apperrors.ErrInvalid, "record data must be valid JSON")
	}
	return s.write(ctx, ns, et, id, data, false)
}

// DeleteRecord replaces a record with a tombstone so the deletion can be
// synced and backed up.
func (s *Store) DeleteRecord(ctx context.Context, ns models.Namespace, et models.EntityType, id string) (*models.Record, error) {
	if err := validateKey(ns, et, id); err != nil {
		return nil, err
	}
	return s.write(ctx, ns, et, id, nil, true)
}

func (s *Store) write(ctx context.Context, ns models.Namespace, et models.EntityType, id string, data json.RawMessage, deleted bool) (*models.Record, error) {
	var out *models.Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := getRecord(ctx, tx, ns, et, id)
		if err != nil {
			return err
		}
		if deleted && (existing == nil || existing.Deleted) {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s not found", models.RecordKey(ns, et, id)))
		}

		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		rec := models.Record{
			Namespace:  ns,
			EntityType: et,
			EntityID:   id,
			Data:       data,
			Version:    1,
			Seq:        seq,
			UpdatedAt:  s.now().UnixNano(),
			Deleted:    deleted,
		}
		if existing != nil {
			rec.Version = existing.Version + 1
			rec.SyncedVersion = existing.SyncedVersion
		}
		if _, err := tx.NamedExecContext(ctx, upsertRecordSQL, &rec); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to write record", err)
		}
		out = &rec
		return nil
	})
	return out, err
}

// GetRecord returns a record, tombstones included.
func (s *Store) GetRecord(ctx context.Context, ns models.Namespace, et models.EntityType, id string) (*models.Record, error) {
	rec, err := getRecord(ctx, s.db, ns, et, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s not found", models.RecordKey(ns, et, id)))
	}
	return rec, nil
}

// ListRecords returns the records of a namespace ordered by type and id.
func (s *Store) ListRecords(ctx context.Context, ns models.Namespace, includeDeleted bool) ([]models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE namespace = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY entity_type, entity_id`

	var recs []models.Record
	if err := s.db.SelectContext(ctx, &recs, query, ns); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	return recs, nil
}

// AllRecords returns every record in every namespace, tombstones included.
func (s *Store) AllRecords(ctx context.Context) ([]models.Record, error) {
	return s.RecordsSince(ctx, 0)
}

// RecordsSince returns records whose watermark is greater than seq.
func (s *Store) RecordsSince(ctx context.Context, seq int64) ([]models.Record, error) {
	var recs []models.Record
	err := s.db.SelectContext(ctx, &recs, `SELECT `+recordColumns+` FROM records
		WHERE seq > ? ORDER BY namespace, entity_type, entity_id`, seq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	return recs, nil
}

// DivergentRecords returns records whose local version is not yet confirmed
// remotely.
func (s *Store) DivergentRecords(ctx context.Context) ([]models.Record, error) {
	var recs []models.Record
	err := s.db.SelectContext(ctx, &recs, `SELECT `+recordColumns+` FROM records
		WHERE version != synced_version ORDER BY seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list divergent records", err)
	}
	return recs, nil
}

// MaxSeq returns the current store-wide watermark.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) FROM records`); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read watermark", err)
	}
	return seq, nil
}

// CountRecords returns the number of live records in a namespace.
func (s *Store) CountRecords(ctx context.Context, ns models.Namespace) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records WHERE namespace = ? AND deleted = 0`, ns)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count records", err)
	}
	return n, nil
}

// MarkSynced records that version of a record was confirmed remotely. A
// stale confirmation never lowers synced_version.
func (s *Store) MarkSynced(ctx context.Context, ns models.Namespace, et models.EntityType, id string, version int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET synced_version = ?
		WHERE namespace = ? AND entity_type = ? AND entity_id = ? AND synced_version < ? AND version >= ?`,
		version, ns, et, id, version, version)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record synced", err)
	}
	return nil
}

// ReplaceRecords writes the given records in one transaction, assigning each
// a fresh watermark. Either every record is written or none is.
func (s *Store) ReplaceRecords(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		for i := range recs {
			rec := recs[i]
			if err := validateKey(rec.Namespace, rec.EntityType, rec.EntityID); err != nil {
				return err
			}
			rec.Seq = seq
			seq++
			if _, err := tx.NamedExecContext(ctx, upsertRecordSQL, &rec); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to write record %s", rec.Key()), err)
			}
		}
		return nil
	})
}
