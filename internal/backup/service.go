// Package backup creates point-in-time snapshots of the local record store
// and restores them. Payloads are gzip-compressed JSON kept in a
// content-addressed directory; the index lives in the database.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/ids"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/observer"
	"github.com/kimhsiao/fitlog/backend/internal/sync/storage"
)

const resultSuccess = "success"

// Store is the part of the local database the service reads and writes.
type Store interface {
	AllRecords(ctx context.Context) ([]models.Record, error)
	RecordsSince(ctx context.Context, seq int64) ([]models.Record, error)
	ReplaceRecords(ctx context.Context, recs []models.Record) error

	InsertBackup(ctx context.Context, b *models.BackupRecord) error
	ListBackups(ctx context.Context) ([]models.BackupRecord, error)
	GetBackup(ctx context.Context, id string) (*models.BackupRecord, error)
	LatestBackup(ctx context.Context) (*models.BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
	ChecksumRefs(ctx context.Context, checksum string) (int, error)
}

// SyncController is the part of the sync engine a restore drives.
type SyncController interface {
	Pause(ctx context.Context) error
	Resume()
	EnqueueDivergent(ctx context.Context) (int, error)
}

// Config holds the service configuration.
type Config struct {
	Dir        string        // payloads under Dir/objects, lock file Dir/backup.lock
	MaxBackups int           // retention cap, 0 = unlimited
	MaxAge     time.Duration // latest backup older than this is a warning
}

// DefaultConfig returns the default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		MaxBackups: 10,
		MaxAge:     72 * time.Hour,
	}
}

// Service creates, lists and restores backups. One backup or restore runs
// at a time, across processes sharing Dir.
type Service struct {
	store Store
	blobs *storage.BlobStore
	cfg   Config

	syncMu gosync.RWMutex
	sync   SyncController

	opMu     gosync.Mutex
	busy     string
	fileLock *flock.Flock

	statusMu  gosync.RWMutex
	status    BackupStatus
	observers observer.List[BackupStatus]

	now         func() time.Time
	beforeApply func(ctx context.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSyncController sets the engine a restore pauses and resumes.
func WithSyncController(c SyncController) Option {
	return func(s *Service) { s.sync = c }
}

// NewService creates the service and its directories.
func NewService(store Store, cfg Config, opts ...Option) (*Service, error) {
	if cfg.Dir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "backup directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	s := &Service{
		store:    store,
		blobs:    storage.NewBlobStore(filepath.Join(cfg.Dir, "objects")),
		cfg:      cfg,
		fileLock: flock.New(filepath.Join(cfg.Dir, "backup.lock")),
		now:      time.Now,
		status:   BackupStatus{BackupHealth: HealthCritical},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetSyncController replaces the engine a restore pauses and resumes.
func (s *Service) SetSyncController(c SyncController) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.sync = c
}

func (s *Service) syncController() SyncController {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.sync
}

// Blobs returns the payload store.
func (s *Service) Blobs() *storage.BlobStore {
	return s.blobs
}

// acquire takes the backup/restore lock for op.
func (s *Service) acquire(op string) (release func(), err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.busy != "" {
		return nil, apperrors.New(apperrors.ErrBackupInProgress, fmt.Sprintf("cannot start %s: %s in progress", op, s.busy))
	}
	locked, err := s.fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock backup directory: %w", err)
	}
	if !locked {
		return nil, apperrors.New(apperrors.ErrBackupInProgress, fmt.Sprintf("cannot start %s: backup directory locked by another process", op))
	}
	s.busy = op
	return func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		s.busy = ""
		if err := s.fileLock.Unlock(); err != nil {
			logging.Error("[Backup] Failed to release backup lock", err, nil)
		}
	}, nil
}

// CreateBackup snapshots the local store. An incremental backup with no
// earlier backup to build on is taken as a full one.
func (s *Service) CreateBackup(ctx context.Context, typ models.BackupType, description string) (*models.BackupRecord, error) {
	if typ == "" {
		typ = models.BackupFull
	}
	if typ != models.BackupFull && typ != models.BackupIncremental {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown backup type %q", typ))
	}

	release, err := s.acquire("backup")
	if err != nil {
		return nil, err
	}
	defer release()

	s.update(func(st *BackupStatus) { st.IsBackingUp = true })
	rec, err := s.create(ctx, typ, description)
	s.update(func(st *BackupStatus) {
		st.IsBackingUp = false
		if err != nil {
			st.LastBackupResult = err.Error()
			st.Error = err.Error()
			return
		}
		st.LastBackupResult = resultSuccess
		st.Error = ""
	})
	if _, rerr := s.Refresh(ctx); rerr != nil {
		logging.Error("[Backup] Failed to refresh status", rerr, nil)
	}
	return rec, err
}

// create does the work of CreateBackup with the lock held.
func (s *Service) create(ctx context.Context, typ models.BackupType, description string) (*models.BackupRecord, error) {
	start := s.now()

	var base *models.BackupRecord
	if typ == models.BackupIncremental {
		latest, err := s.store.LatestBackup(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to find base backup", err)
		}
		if latest == nil {
			logging.Info("[Backup] No earlier backup, taking a full backup instead", nil)
			typ = models.BackupFull
		}
		base = latest
	}

	var recs []models.Record
	var watermark int64
	if typ == models.BackupFull {
		all, err := s.store.AllRecords(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to read records", err)
		}
		for _, r := range all {
			if r.Seq > watermark {
				watermark = r.Seq
			}
			if !r.Deleted {
				recs = append(recs, r)
			}
		}
	} else {
		changed, err := s.store.RecordsSince(ctx, base.Watermark)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to read changed records", err)
		}
		watermark = base.Watermark
		for _, r := range changed {
			if r.Seq > watermark {
				watermark = r.Seq
			}
		}
		recs = changed
	}
	if recs == nil {
		recs = []models.Record{}
	}

	rec := &models.BackupRecord{
		ID:           ids.NewBackupID(),
		Type:         typ,
		Description:  description,
		CreatedAt:    start.UnixNano(),
		EntityCounts: countEntities(recs),
		Watermark:    watermark,
	}
	if base != nil && typ == models.BackupIncremental {
		rec.BaseID = base.ID
	}

	payload, sum, err := encodeSnapshot(&Snapshot{
		Format:    snapshotFormat,
		BackupID:  rec.ID,
		Type:      rec.Type,
		BaseID:    rec.BaseID,
		CreatedAt: rec.CreatedAt,
		Watermark: rec.Watermark,
		Records:   recs,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to serialize snapshot", err)
	}
	stored, err := s.blobs.Put(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to store snapshot", err)
	}
	if stored != sum {
		return nil, apperrors.New(apperrors.ErrBackupFailed, fmt.Sprintf("stored checksum %s does not match %s", stored, sum))
	}
	rec.Checksum = sum
	rec.SizeBytes = int64(len(payload))

	if _, err := s.loadSnapshot(rec, true); err != nil {
		s.dropPayload(ctx, sum)
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "backup failed verification", err)
	}
	if err := s.store.InsertBackup(ctx, rec); err != nil {
		s.dropPayload(ctx, sum)
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "failed to index backup", err)
	}

	logging.Info("[Backup] Backup created", map[string]interface{}{
		"backup_id": rec.ID,
		"type":      string(rec.Type),
		"base_id":   rec.BaseID,
		"entities":  rec.EntityCounts.Total(),
		"size":      humanize.Bytes(uint64(rec.SizeBytes)),
		"watermark": rec.Watermark,
		"duration":  s.now().Sub(start).String(),
	})

	if pruned, err := s.applyRetention(ctx); err != nil {
		logging.Error("[Backup] Retention failed", err, map[string]interface{}{"backup_id": rec.ID})
	} else if len(pruned) > 0 {
		logging.Info("[Backup] Pruned old backups", map[string]interface{}{"pruned": pruned})
	}
	return rec, nil
}

// ListBackups returns the backup index, oldest first.
func (s *Service) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	return s.store.ListBackups(ctx)
}

// VerifyBackup loads and validates one backup.
func (s *Service) VerifyBackup(ctx context.Context, id string) error {
	rec, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.loadSnapshot(rec, true)
	return err
}

// loadSnapshot reads the payload of rec. With validate set the checksum and
// contents are checked against the index entry.
func (s *Service) loadSnapshot(rec *models.BackupRecord, validate bool) (*Snapshot, error) {
	var data []byte
	var err error
	if validate {
		data, err = s.blobs.Get(rec.Checksum)
	} else {
		data, err = s.blobs.Read(rec.Checksum)
	}
	if err != nil {
		return nil, err
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := snap.validate(rec); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// applyRetention prunes the oldest backups beyond MaxBackups. A backup that
// a remaining incremental builds on is kept, so a chain is shortened from its
// newest end and never broken.
func (s *Service) applyRetention(ctx context.Context) ([]string, error) {
	if s.cfg.MaxBackups <= 0 {
		return nil, nil
	}
	list, err := s.store.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for len(list) > s.cfg.MaxBackups {
		referenced := make(map[string]bool, len(list))
		for _, b := range list {
			if b.BaseID != "" {
				referenced[b.BaseID] = true
			}
		}
		victim := -1
		// The newest backup is never a candidate.
		for i := 0; i < len(list)-1; i++ {
			if !referenced[list[i].ID] {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		b := list[victim]
		if err := s.store.DeleteBackup(ctx, b.ID); err != nil {
			return pruned, err
		}
		s.dropPayload(ctx, b.Checksum)
		pruned = append(pruned, b.ID)
		list = append(list[:victim], list[victim+1:]...)
	}
	return pruned, nil
}

// dropPayload deletes a payload nothing in the index points at.
func (s *Service) dropPayload(ctx context.Context, sum string) {
	refs, err := s.store.ChecksumRefs(ctx, sum)
	if err != nil {
		logging.Error("[Backup] Failed to count payload references", err, map[string]interface{}{"checksum": sum})
		return
	}
	if refs > 0 {
		return
	}
	if err := s.blobs.Delete(sum); err != nil {
		logging.Error("[Backup] Failed to delete payload", err, map[string]interface{}{"checksum": sum})
	}
}
