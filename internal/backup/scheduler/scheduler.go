// Package scheduler takes backups automatically on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Interval defines the scheduling frequency.
type Interval string

const (
	IntervalManual Interval = "manual"
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

// Service is the part of the backup service the scheduler drives.
type Service interface {
	CreateBackup(ctx context.Context, typ models.BackupType, description string) (*models.BackupRecord, error)
	ListBackups(ctx context.Context) ([]models.BackupRecord, error)
	SetNextBackupTime(t time.Time)
}

// Config holds the scheduler configuration.
type Config struct {
	Interval  Interval          // How often to back up
	Type      models.BackupType // Preferred backup type
	FullEvery int               // With incremental backups, every Nth backup is full (0 = only the first)
}

// Scheduler runs backups on an interval.
type Scheduler struct {
	service Service
	now     func() time.Time

	mu      sync.Mutex
	config  Config
	period  time.Duration // overrides the interval duration when set
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a backup scheduler.
func New(service Service, config Config) *Scheduler {
	if config.Type == "" {
		config.Type = models.BackupIncremental
	}
	if config.FullEvery < 0 {
		config.FullEvery = 0
	}
	return &Scheduler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

// Start begins automatic backups. A backup is taken right away when the
// latest one is older than the interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.config.Interval == IntervalManual {
		logging.Info("[BackupScheduler] Manual mode, automatic backups disabled", nil)
		s.service.SetNextBackupTime(time.Time{})
		return nil
	}
	dur, err := s.durationLocked()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid backup interval", err)
	}

	s.stopCh = make(chan struct{})
	s.running = true
	logging.Info("[BackupScheduler] Started", map[string]interface{}{
		"interval":   string(s.config.Interval),
		"type":       string(s.config.Type),
		"full_every": s.config.FullEvery,
	})

	due, err := s.initialDue(ctx, dur)
	if err != nil {
		logging.Warn("[BackupScheduler] Could not read backup index", map[string]interface{}{"error": err.Error()})
		due = true
	}
	s.service.SetNextBackupTime(s.now().Add(dur))

	s.wg.Add(1)
	go s.loop(ctx, dur, due, s.stopCh)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, dur time.Duration, initial bool, stopCh chan struct{}) {
	defer s.wg.Done()

	if initial {
		if _, err := s.RunOnce(ctx); err != nil {
			logging.Error("[BackupScheduler] Initial backup failed", err, nil)
		}
	}

	ticker := time.NewTicker(dur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.service.SetNextBackupTime(s.now().Add(dur))
			if _, err := s.RunOnce(ctx); err != nil {
				logging.Error("[BackupScheduler] Scheduled backup failed", err, nil)
			}
		case <-stopCh:
			logging.Info("[BackupScheduler] Stopped", nil)
			return
		case <-ctx.Done():
			logging.Info("[BackupScheduler] Context cancelled", nil)
			return
		}
	}
}

// Stop shuts down the scheduler and waits for a running backup to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.service.SetNextBackupTime(time.Time{})
}

// IsRunning reports whether automatic backups are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce takes one backup of the type the schedule calls for. A backup
// skipped because a restore holds the lock is not an error.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.BackupRecord, error) {
	typ, err := s.NextType(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.service.CreateBackup(ctx, typ, "scheduled "+string(typ)+" backup")
	if apperrors.Is(err, apperrors.ErrBackupInProgress) {
		logging.Info("[BackupScheduler] Skipped, backup or restore in progress", nil)
		return nil, nil
	}
	return rec, err
}

// NextType returns the type of the next scheduled backup.
func (s *Scheduler) NextType(ctx context.Context) (models.BackupType, error) {
	cfg := s.GetConfig()
	if cfg.Type == models.BackupFull {
		return models.BackupFull, nil
	}

	list, err := s.service.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	sinceFull := -1
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type == models.BackupFull {
			sinceFull = len(list) - 1 - i
			break
		}
	}
	if sinceFull < 0 {
		return models.BackupFull, nil
	}
	if cfg.FullEvery > 0 && sinceFull+1 >= cfg.FullEvery {
		return models.BackupFull, nil
	}
	return models.BackupIncremental, nil
}

// initialDue reports whether the latest backup is older than dur.
func (s *Scheduler) initialDue(ctx context.Context, dur time.Duration) (bool, error) {
	list, err := s.service.ListBackups(ctx)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return true, nil
	}
	latest := list[len(list)-1]
	return s.now().Sub(latest.CreatedAtTime()) >= dur, nil
}

// IntervalDuration converts an interval to a time.Duration.
func IntervalDuration(interval Interval) (time.Duration, error) {
	switch interval {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
}

func (s *Scheduler) durationLocked() (time.Duration, error) {
	if s.period > 0 {
		return s.period, nil
	}
	return IntervalDuration(s.config.Interval)
}

// UpdateConfig replaces the configuration. A running scheduler is
// restarted with the new interval.
func (s *Scheduler) UpdateConfig(ctx context.Context, config Config) error {
	if config.Interval != IntervalManual {
		if _, err := IntervalDuration(config.Interval); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid backup interval", err)
		}
	}
	if config.Type == "" {
		config.Type = models.BackupIncremental
	}

	wasRunning := s.IsRunning()
	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
	if wasRunning {
		return s.Start(ctx)
	}
	return nil
}

// GetConfig returns the current configuration.
func (s *Scheduler) GetConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}
