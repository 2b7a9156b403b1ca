// Package scheduler tests for automatic backup scheduling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

type fakeService struct {
	mu      sync.Mutex
	backups []models.BackupRecord
	next    time.Time
	err     error
	now     time.Time
}

func (f *fakeService) CreateBackup(_ context.Context, typ models.BackupType, _ string) (*models.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec := models.BackupRecord{
		ID:        fmt.Sprintf("b%d", len(f.backups)),
		Type:      typ,
		CreatedAt: f.now.UnixNano(),
	}
	f.backups = append(f.backups, rec)
	return &rec, nil
}

func (f *fakeService) ListBackups(context.Context) ([]models.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BackupRecord(nil), f.backups...), nil
}

func (f *fakeService) SetNextBackupTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = t
}

func (f *fakeService) types() []models.BackupType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.BackupType, len(f.backups))
	for i, b := range f.backups {
		out[i] = b.Type
	}
	return out
}

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backups)
}

func (f *fakeService) nextTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// =====================================================
// IntervalDuration Tests
// =====================================================

// TestIntervalDuration verifies each interval's duration.
func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		interval Interval
		want     time.Duration
		wantErr  bool
	}{
		{IntervalHourly, time.Hour, false},
		{IntervalDaily, 24 * time.Hour, false},
		{IntervalWeekly, 7 * 24 * time.Hour, false},
		{IntervalManual, 0, true},
		{"fortnightly", 0, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got, err := IntervalDuration(tt.interval)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IntervalDuration(%q) error = %v, wantErr %v", tt.interval, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IntervalDuration(%q) = %v, want %v", tt.interval, got, tt.want)
			}
		})
	}
}

// =====================================================
// NextType Tests
// =====================================================

// TestNextType_fullEvery verifies a full backup opens each run of
// FullEvery backups.
func TestNextType_fullEvery(t *testing.T) {
	svc := &fakeService{}
	s := New(svc, Config{Interval: IntervalDaily, Type: models.BackupIncremental, FullEvery: 3})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := s.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() failed: %v", err)
		}
	}

	want := []models.BackupType{
		models.BackupFull, models.BackupIncremental, models.BackupIncremental,
		models.BackupFull, models.BackupIncremental, models.BackupIncremental,
		models.BackupFull,
	}
	got := svc.types()
	if len(got) != len(want) {
		t.Fatalf("took %d backups, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backup %d type = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestNextType_fullOnly verifies Type full never produces incrementals.
func TestNextType_fullOnly(t *testing.T) {
	svc := &fakeService{backups: []models.BackupRecord{{Type: models.BackupFull}}}
	s := New(svc, Config{Interval: IntervalDaily, Type: models.BackupFull})

	typ, err := s.NextType(context.Background())
	if err != nil {
		t.Fatalf("NextType() failed: %v", err)
	}
	if typ != models.BackupFull {
		t.Errorf("NextType() = %s, want full", typ)
	}
}

// TestNextType_zeroFullEvery verifies only the first backup is full.
func TestNextType_zeroFullEvery(t *testing.T) {
	svc := &fakeService{}
	s := New(svc, Config{Interval: IntervalDaily})
	for i := 0; i < 4; i++ {
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() failed: %v", err)
		}
	}
	types := svc.types()
	if types[0] != models.BackupFull {
		t.Errorf("first backup = %s, want full", types[0])
	}
	for i, typ := range types[1:] {
		if typ != models.BackupIncremental {
			t.Errorf("backup %d = %s, want incremental", i+1, typ)
		}
	}
}

// TestRunOnce_skipsWhileRestoring verifies a held lock is not a failure.
func TestRunOnce_skipsWhileRestoring(t *testing.T) {
	svc := &fakeService{err: apperrors.New(apperrors.ErrBackupInProgress, "restore in progress")}
	s := New(svc, Config{Interval: IntervalDaily})

	rec, err := s.RunOnce(context.Background())
	if err != nil {
		t.Errorf("RunOnce() error = %v, want nil", err)
	}
	if rec != nil {
		t.Errorf("RunOnce() = %v, want nil", rec)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestStart_manual verifies manual mode takes no backups.
func TestStart_manual(t *testing.T) {
	svc := &fakeService{}
	s := New(svc, Config{Interval: IntervalManual})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true in manual mode")
	}
	if svc.count() != 0 {
		t.Errorf("took %d backups in manual mode", svc.count())
	}
}

// TestStart_invalidInterval verifies an unknown interval is rejected.
func TestStart_invalidInterval(t *testing.T) {
	s := New(&fakeService{}, Config{Interval: "fortnightly"})
	err := s.Start(context.Background())
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Start() error = %v, want INVALID_INPUT", err)
	}
}

// TestStart_initialAndPeriodic verifies an initial backup when none exists
// and further backups on each tick.
func TestStart_initialAndPeriodic(t *testing.T) {
	svc := &fakeService{now: time.Now()}
	s := New(svc, Config{Interval: IntervalHourly})
	s.period = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if svc.nextTime().IsZero() {
		t.Error("next backup time not published")
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if svc.count() < 3 {
		t.Fatalf("took %d backups, want at least 3", svc.count())
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
	if !svc.nextTime().IsZero() {
		t.Error("next backup time not cleared after Stop()")
	}
}

// TestStart_recentBackupNotRepeated verifies no initial backup is taken when
// the latest one is younger than the interval.
func TestStart_recentBackupNotRepeated(t *testing.T) {
	now := time.Now()
	svc := &fakeService{
		now:     now,
		backups: []models.BackupRecord{{ID: "b0", Type: models.BackupFull, CreatedAt: now.Add(-time.Minute).UnixNano()}},
	}
	s := New(svc, Config{Interval: IntervalHourly})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if svc.count() != 1 {
		t.Errorf("took %d new backups, want 0", svc.count()-1)
	}
}

// TestUpdateConfig_restarts verifies a running scheduler picks up a new
// configuration.
func TestUpdateConfig_restarts(t *testing.T) {
	now := time.Now()
	svc := &fakeService{
		now:     now,
		backups: []models.BackupRecord{{ID: "b0", Type: models.BackupFull, CreatedAt: now.UnixNano()}},
	}
	s := New(svc, Config{Interval: IntervalDaily})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := s.UpdateConfig(ctx, Config{Interval: IntervalWeekly, Type: models.BackupFull}); err != nil {
		t.Fatalf("UpdateConfig() failed: %v", err)
	}
	defer s.Stop()

	if !s.IsRunning() {
		t.Error("IsRunning() = false after UpdateConfig()")
	}
	if got := s.GetConfig(); got.Interval != IntervalWeekly || got.Type != models.BackupFull {
		t.Errorf("GetConfig() = %+v", got)
	}
	if err := s.UpdateConfig(ctx, Config{Interval: "yearly"}); err == nil {
		t.Error("UpdateConfig() accepted an unknown interval")
	}
}
