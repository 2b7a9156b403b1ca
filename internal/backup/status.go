package backup

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Health is the coarse state of the backup set.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// BackupStatus is the published state of the service. Values are copies.
type BackupStatus struct {
	IsBackingUp      bool      `json:"is_backing_up"`
	IsRestoring      bool      `json:"is_restoring"`
	LastBackupTime   time.Time `json:"last_backup_time"`
	LastBackupID     string    `json:"last_backup_id,omitempty"`
	LastBackupResult string    `json:"last_backup_result,omitempty"` // "success" or the failure message
	NextBackupTime   time.Time `json:"next_backup_time"`
	AvailableBackups int       `json:"available_backups"`
	TotalBackupSize  int64     `json:"total_backup_size"`
	BackupHealth     Health    `json:"backup_health"`
	CorruptBackups   []string  `json:"corrupt_backups,omitempty"`
	LastAuditTime    time.Time `json:"last_audit_time"`
	Error            string    `json:"error,omitempty"`
}

// AuditReport is the outcome of re-hashing every stored payload.
type AuditReport struct {
	CheckedAt      time.Time `json:"checked_at"`
	Backups        int       `json:"backups"`
	Payloads       int       `json:"payloads"`
	StoredBytes    int64     `json:"stored_bytes"`
	IndexedBytes   int64     `json:"indexed_bytes"`
	CorruptBackups []string  `json:"corrupt_backups,omitempty"`
	MissingBackups []string  `json:"missing_backups,omitempty"`
}

// Damaged lists every backup whose payload is corrupt or missing.
func (r *AuditReport) Damaged() []string {
	out := make([]string, 0, len(r.CorruptBackups)+len(r.MissingBackups))
	out = append(out, r.CorruptBackups...)
	return append(out, r.MissingBackups...)
}

// EvaluateHealth classifies the backup set. No backup, or a latest backup
// older than twice maxAge, is critical. A failed last attempt or a latest
// backup older than maxAge is a warning.
func EvaluateHealth(now time.Time, latest *models.BackupRecord, payloadPresent, lastFailed bool, maxAge time.Duration) Health {
	if latest == nil || !payloadPresent {
		return HealthCritical
	}
	age := now.Sub(latest.CreatedAtTime())
	if maxAge > 0 && age > 2*maxAge {
		return HealthCritical
	}
	if lastFailed || (maxAge > 0 && age > maxAge) {
		return HealthWarning
	}
	return HealthHealthy
}

// Status returns the current status.
func (s *Service) Status() BackupStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// OnStatusChange subscribes to status updates.
func (s *Service) OnStatusChange(fn func(BackupStatus)) (unsubscribe func()) {
	return s.observers.Subscribe(fn)
}

// SetNextBackupTime records when the scheduler plans the next backup.
func (s *Service) SetNextBackupTime(t time.Time) {
	s.update(func(st *BackupStatus) { st.NextBackupTime = t })
}

// Refresh recomputes the index-derived fields of the status. Backups found
// damaged by the last Audit keep the health at warning, or critical when
// the latest one is damaged, until they are pruned.
func (s *Service) Refresh(ctx context.Context) (BackupStatus, error) {
	list, err := s.store.ListBackups(ctx)
	if err != nil {
		return s.Status(), err
	}

	var total int64
	ids := make(map[string]bool, len(list))
	for _, b := range list {
		total += b.SizeBytes
		ids[b.ID] = true
	}
	var latest *models.BackupRecord
	if len(list) > 0 {
		latest = &list[len(list)-1]
	}
	present := latest != nil && s.blobs.Exists(latest.Checksum)

	s.update(func(st *BackupStatus) {
		st.AvailableBackups = len(list)
		st.TotalBackupSize = total
		if latest != nil {
			st.LastBackupTime = latest.CreatedAtTime()
			st.LastBackupID = latest.ID
		}
		var damaged []string
		for _, id := range st.CorruptBackups {
			if ids[id] {
				damaged = append(damaged, id)
			}
		}
		st.CorruptBackups = damaged

		failed := st.LastBackupResult != "" && st.LastBackupResult != resultSuccess
		health := EvaluateHealth(s.now(), latest, present, failed, s.cfg.MaxAge)
		for _, id := range damaged {
			if latest != nil && id == latest.ID {
				health = HealthCritical
			} else if health == HealthHealthy {
				health = HealthWarning
			}
		}
		st.BackupHealth = health
	})

	st := s.Status()
	if st.BackupHealth != HealthHealthy {
		logging.Warn("[Backup] Backup health degraded", map[string]interface{}{
			"health":            string(st.BackupHealth),
			"available_backups": st.AvailableBackups,
			"corrupt_backups":   len(st.CorruptBackups),
			"last_backup_time":  st.LastBackupTime,
		})
	}
	return st, nil
}

// Audit re-hashes every stored payload, matches the damaged ones to the
// backup index and folds the result into the status.
func (s *Service) Audit(ctx context.Context) (*AuditReport, error) {
	list, err := s.store.ListBackups(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list backups", err)
	}
	corrupt, err := s.blobs.VerifyAll()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to verify backup payloads", err)
	}
	stored, err := s.blobs.TotalSize()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to size backup payloads", err)
	}
	payloads, err := s.blobs.List()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list backup payloads", err)
	}

	bad := mapset.NewThreadUnsafeSet(corrupt...)
	report := &AuditReport{
		CheckedAt:   s.now(),
		Backups:     len(list),
		Payloads:    len(payloads),
		StoredBytes: stored,
	}
	for _, b := range list {
		report.IndexedBytes += b.SizeBytes
		switch {
		case bad.Contains(b.Checksum):
			report.CorruptBackups = append(report.CorruptBackups, b.ID)
		case !s.blobs.Exists(b.Checksum):
			report.MissingBackups = append(report.MissingBackups, b.ID)
		}
	}

	s.update(func(st *BackupStatus) {
		st.CorruptBackups = report.Damaged()
		st.LastAuditTime = report.CheckedAt
	})
	if len(report.CorruptBackups)+len(report.MissingBackups) > 0 {
		logging.Warn("[Backup] Audit found damaged backups", map[string]interface{}{
			"corrupt": report.CorruptBackups,
			"missing": report.MissingBackups,
		})
	} else {
		logging.Info("[Backup] Audit passed", map[string]interface{}{
			"backups": report.Backups,
			"stored":  humanize.Bytes(uint64(report.StoredBytes)),
		})
	}
	if _, err := s.Refresh(ctx); err != nil {
		return report, apperrors.Wrap(apperrors.ErrDatabase, "failed to refresh backup status", err)
	}
	return report, nil
}

func (s *Service) update(fn func(st *BackupStatus)) {
	s.statusMu.Lock()
	fn(&s.status)
	snapshot := s.status
	s.statusMu.Unlock()
	s.observers.Notify(snapshot)
}
