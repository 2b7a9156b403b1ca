// Package integration is the single entry point the UI layers use. It owns
// every sync, backup and migration component, wires them together and
// publishes one combined status. Failures are returned to the caller and
// also reported as a status error plus an error event; nothing panics or
// blocks across the subscription boundary.
package integration

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	bscheduler "github.com/kimhsiao/fitlog/backend/internal/backup/scheduler"
	"github.com/kimhsiao/fitlog/backend/internal/config"
	"github.com/kimhsiao/fitlog/backend/internal/db"
	"github.com/kimhsiao/fitlog/backend/internal/device"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/migration"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/observer"
	"github.com/kimhsiao/fitlog/backend/internal/remote"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/monitor"
	"github.com/kimhsiao/fitlog/backend/internal/sync/queue"
	"github.com/kimhsiao/fitlog/backend/internal/sync/scheduler"
)

// Options configures an Integration. Remote and Probe override what the
// configuration would build.
type Options struct {
	Config *config.Config
	Remote remote.Store
	Probe  device.Probe
	// InitialConditions seeds the platform-reported device conditions.
	InitialConditions *device.Conditions
	// PlatformConditions makes the reported conditions the only probe, for
	// hosts such as mobile where the platform supplies network state too.
	PlatformConditions bool
}

// Integration owns the components of one fitlog instance.
type Integration struct {
	cfg  *config.Config
	opts Options

	store           *db.Store
	remote          remote.Store
	queue           *queue.Queue
	monitor         *monitor.Monitor
	engine          *syncpkg.Engine
	scheduler       *scheduler.Scheduler
	runner          *scheduler.Runner
	backups         *backup.Service
	backupScheduler *bscheduler.Scheduler
	migration       *migration.Manager
	reported        *device.Reported
	probe           device.Probe

	lifecycle gosync.Mutex // serializes Initialize, Start/StopServices and Close
	cancel    context.CancelFunc
	unsubs    []func()

	mu     gosync.RWMutex
	status IntegrationStatus

	statusObs observer.List[IntegrationStatus]
	eventObs  observer.List[IntegrationEvent]
	now       func() time.Time
}

// New creates an uninitialized Integration. A nil config means defaults.
func New(opts Options) *Integration {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	initial := device.Conditions{
		BatteryLevel: 100,
		IsCharging:   true,
		NetworkType:  device.NetworkUnknown,
		IsOnline:     true,
	}
	if opts.InitialConditions != nil {
		initial = *opts.InitialConditions
	}
	return &Integration{
		cfg:      cfg,
		opts:     opts,
		reported: device.NewReported(initial),
		status:   IntegrationStatus{State: StateUninitialized},
		now:      time.Now,
	}
}

// Initialize opens the local store and builds every component. Calling it
// again is a no-op.
func (i *Integration) Initialize(ctx context.Context) error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	if i.store != nil {
		return nil
	}
	if err := i.initialize(ctx); err != nil {
		i.closeStore()
		i.setState(StateError)
		return i.fail("initialize", err)
	}
	i.setState(StateInitialized)
	i.emit(EventInitialized, "components initialized", nil)
	return nil
}

func (i *Integration) initialize(ctx context.Context) error {
	cfg := i.cfg
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}

	store, err := db.OpenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	i.store = store

	rs := i.opts.Remote
	if rs == nil {
		if rs, err = buildRemote(ctx, cfg.Remote); err != nil {
			return err
		}
	}
	i.remote = rs

	switch {
	case i.opts.Probe != nil:
		i.probe = i.opts.Probe
	case i.opts.PlatformConditions:
		i.probe = i.reported
	default:
		i.probe = device.NewHost(i.reported)
	}

	i.queue = queue.New(store, queue.Config{
		Capacity:      cfg.Sync.QueueCapacity,
		BaseBackoff:   cfg.Sync.BaseBackoff,
		MaxBackoff:    cfg.Sync.MaxBackoff,
		JitterPercent: cfg.Sync.JitterPercent,
	})
	i.monitor = monitor.New(monitor.Config{
		WindowSize:           cfg.Monitor.WindowSize,
		BufferSize:           cfg.Monitor.BufferSize,
		DegradedSuccessRate:  cfg.Monitor.DegradedSuccessRate,
		OfflineAfterFailures: cfg.Monitor.OfflineAfterFailures,
	})
	i.engine = syncpkg.NewEngine(store, rs, i.queue, syncpkg.Config{
		FanOut:               cfg.Sync.FanOut,
		OperationTimeout:     cfg.Sync.OperationTimeout,
		OfflineAfterFailures: cfg.Sync.OfflineAfterFailures,
	}, syncpkg.WithMonitor(i.monitor))
	if err := i.engine.Load(ctx); err != nil {
		return err
	}

	i.scheduler = scheduler.New(scheduler.Config{
		Policy: scheduler.Policy{
			LowBatteryPercent:     cfg.Scheduler.LowBatteryPercent,
			MeteredBudgetBytes:    cfg.Scheduler.MeteredBudgetBytes,
			DefaultOperationBytes: cfg.Scheduler.DefaultOperationBytes,
		},
		StatsWindow: cfg.Scheduler.StatsWindow,
		StatsSize:   cfg.Scheduler.StatsSize,
	}, i.probe, func() monitor.Quality {
		return i.engine.SchedulingQuality()
	}, func() (int, int64) {
		qs := i.engine.QueueStats()
		return qs.Pending, qs.PayloadBytes
	})
	i.engine.SetGate(i.scheduler.Gate())
	i.runner = scheduler.NewRunner(i.engine, i.probe, scheduler.RunnerConfig{
		SyncInterval: cfg.Sync.Interval,
	}, i.monitor.ResetHealth)

	backupDir := cfg.Backup.Dir
	if backupDir == "" {
		backupDir = filepath.Join(cfg.DataDir, "backups")
	}
	i.backups, err = backup.NewService(store, backup.Config{
		Dir:        backupDir,
		MaxBackups: cfg.Backup.MaxBackups,
		MaxAge:     cfg.Backup.MaxAge,
	}, backup.WithSyncController(i.engine))
	if err != nil {
		return err
	}
	i.backupScheduler = bscheduler.New(i.backups, bscheduler.Config{
		Interval:  bscheduler.Interval(cfg.Backup.Interval),
		Type:      models.BackupType(cfg.Backup.Type),
		FullEvery: cfg.Backup.FullEvery,
	})
	i.migration = migration.NewManager(migration.NewDataManager(store), i.engine)

	userID, err := i.loadSession()
	if err != nil {
		return err
	}

	i.subscribe()
	if _, err := i.backups.Audit(ctx); err != nil {
		logging.Warn("[Integration] Could not audit backups", map[string]interface{}{"error": err.Error()})
	}
	i.mu.Lock()
	i.status.UserID = userID
	i.status.Sync = i.engine.Status()
	i.status.Backup = i.backups.Status()
	i.status.Health = i.monitor.Health()
	i.mu.Unlock()

	logging.Info("[Integration] Initialized", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.Kind,
		"queued":   i.queue.Len(),
	})
	return nil
}

// subscribe forwards component updates into the combined status.
func (i *Integration) subscribe() {
	i.unsubs = append(i.unsubs,
		i.engine.OnStatusChange(i.onSyncStatus),
		i.monitor.OnMetricsUpdate(func(m monitor.Metrics) {
			i.updateStatus(func(s *IntegrationStatus) { s.Metrics = m })
		}),
		i.monitor.OnHealthUpdate(func(change monitor.HealthChange) {
			i.updateStatus(func(s *IntegrationStatus) { s.Health = change.Current })
			i.emit(EventHealthChanged, fmt.Sprintf("connection %s -> %s", change.Previous.Quality, change.Current.Quality), change)
		}),
		i.backups.OnStatusChange(func(st backup.BackupStatus) {
			i.updateStatus(func(s *IntegrationStatus) { s.Backup = st })
		}),
		i.migration.OnMigration(func(r models.MigrationResult) {
			i.updateStatus(func(s *IntegrationStatus) { s.Migration = &r })
		}),
	)
}

func (i *Integration) onSyncStatus(st syncpkg.SyncStatus) {
	var finished *syncpkg.SyncResult
	i.updateStatus(func(s *IntegrationStatus) {
		if s.Sync.IsSyncing && !st.IsSyncing && st.LastSyncResult != nil {
			finished = st.LastSyncResult
		}
		s.Sync = st
	})
	if finished != nil {
		i.emit(EventSyncCompleted, fmt.Sprintf("sync applied %d of %d", finished.Applied, finished.Attempted), finished)
	}
}

// StartServices starts the sync runner, the monitor and the backup
// scheduler. They run until StopServices, independent of ctx.
func (i *Integration) StartServices(ctx context.Context) error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	if i.store == nil {
		return i.fail("start services", apperrors.New(apperrors.ErrInvalid, "not initialized"))
	}
	if i.cancel != nil {
		return nil
	}
	svcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.monitor.Start(svcCtx)
	i.runner.Start(svcCtx)
	if err := i.backupScheduler.Start(svcCtx); err != nil {
		i.runner.Stop()
		i.monitor.Stop()
		cancel()
		return i.fail("start services", err)
	}
	i.cancel = cancel

	i.setState(StateRunning)
	i.emit(EventServicesStarted, "background services started", nil)
	return nil
}

// StopServices stops the background services. The in-flight sync cycle is
// asked to stop before its next item.
func (i *Integration) StopServices() {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()
	i.stopServices()
}

func (i *Integration) stopServices() {
	if i.cancel == nil {
		return
	}
	i.engine.Cancel()
	i.runner.Stop()
	i.backupScheduler.Stop()
	i.monitor.Stop()
	i.cancel()
	i.cancel = nil

	i.setState(StateStopped)
	i.emit(EventServicesStopped, "background services stopped", nil)
}

// Close stops the services and closes the local store. The Integration
// can be initialized again afterwards.
func (i *Integration) Close() error {
	i.lifecycle.Lock()
	defer i.lifecycle.Unlock()

	i.stopServices()
	if i.runner != nil {
		i.runner.Stop()
	}
	for _, unsub := range i.unsubs {
		unsub()
	}
	i.unsubs = nil
	err := i.closeStore()
	i.setState(StateUninitialized)
	return err
}

func (i *Integration) closeStore() error {
	if i.store == nil {
		return nil
	}
	err := i.store.Close()
	i.store = nil
	return err
}

// OnForeground requests a normal-priority sync in the background.
func (i *Integration) OnForeground(ctx context.Context) {
	if !i.ready() || !i.runner.IsRunning() {
		return
	}
	i.runner.Trigger(context.WithoutCancel(ctx), syncpkg.PriorityNormal)
}

// OnBackground flushes pending changes at high priority before the app is
// suspended.
func (i *Integration) OnBackground(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !i.ready() {
		return nil, apperrors.New(apperrors.ErrInvalid, "not initialized")
	}
	res, err := i.runner.SyncNow(ctx, syncpkg.PriorityHigh)
	if err != nil {
		return res, i.fail("background sync", err)
	}
	return res, nil
}

func (i *Integration) ready() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status.State != StateUninitialized && i.status.State != StateError
}

// Accessors for the delivery layers.

func (i *Integration) Config() *config.Config          { return i.cfg }
func (i *Integration) Store() *db.Store                { return i.store }
func (i *Integration) Engine() *syncpkg.Engine         { return i.engine }
func (i *Integration) Monitor() *monitor.Monitor       { return i.monitor }
func (i *Integration) Scheduler() *scheduler.Scheduler { return i.scheduler }
func (i *Integration) Backups() *backup.Service        { return i.backups }
func (i *Integration) Migration() *migration.Manager   { return i.migration }
func (i *Integration) Reported() *device.Reported      { return i.reported }
