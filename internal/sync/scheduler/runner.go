package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/device"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
)

// Engine is the engine surface the Runner drives.
type Engine interface {
	StartSync(ctx context.Context, priority syncpkg.Priority) (*syncpkg.SyncResult, error)
	SetOnline(online bool)
	SetNextSyncTime(t time.Time)
}

// RunnerConfig holds Runner timing.
type RunnerConfig struct {
	SyncInterval      time.Duration // how often a gated cycle is requested
	ConnectivityCheck time.Duration // how often the probe is polled for online/offline
	CycleTimeout      time.Duration
}

// DefaultRunnerConfig returns default Runner timing.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		SyncInterval:      15 * time.Minute,
		ConnectivityCheck: 30 * time.Second,
		CycleTimeout:      5 * time.Minute,
	}
}

// RunnerStatus is a snapshot of the Runner.
type RunnerStatus struct {
	IsRunning    bool                `json:"is_running"`
	IsOnline     bool                `json:"is_online"`
	LastRun      time.Time           `json:"last_run,omitempty"`
	NextRun      time.Time           `json:"next_run,omitempty"`
	LastResult   *syncpkg.SyncResult `json:"last_result,omitempty"`
	InProgress   bool                `json:"in_progress"`
	TriggerCount int                 `json:"trigger_count"`
}

// Runner requests periodic gated cycles and forwards connectivity changes
// to the engine.
type Runner struct {
	engine      Engine
	probe       device.Probe
	onReachable func()
	cfg         RunnerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.RWMutex
	isRunning  bool
	isOnline   bool
	inProgress bool
	lastRun    time.Time
	nextRun    time.Time
	lastResult *syncpkg.SyncResult
	triggers   int
}

// NewRunner creates a Runner. onReachable, if set, is called when the probe
// reports connectivity again after an offline period.
func NewRunner(engine Engine, probe device.Probe, cfg RunnerConfig, onReachable func()) *Runner {
	def := DefaultRunnerConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.ConnectivityCheck <= 0 {
		cfg.ConnectivityCheck = def.ConnectivityCheck
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	return &Runner{
		engine:      engine,
		probe:       probe,
		onReachable: onReachable,
		cfg:         cfg,
		isOnline:    true,
	}
}

// Start launches the periodic and connectivity loops.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.scheduleNext()
	r.wg.Add(2)
	go r.periodicLoop(ctx)
	go r.connectivityLoop(ctx)

	logging.Info("[SyncRunner] Started", map[string]interface{}{
		"interval": r.cfg.SyncInterval.String(),
	})
}

// Stop terminates both loops and waits for them, including a cycle the
// Runner started.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		// Triggered cycles may still be running without the loops.
		r.wg.Wait()
		return
	}
	r.isRunning = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logging.Info("[SyncRunner] Stopped", nil)
}

func (r *Runner) scheduleNext() {
	next := time.Now().Add(r.cfg.SyncInterval)
	r.mu.Lock()
	r.nextRun = next
	r.mu.Unlock()
	r.engine.SetNextSyncTime(next)
}

func (r *Runner) periodicLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.scheduleNext()
			r.run(ctx, syncpkg.PriorityNormal)
		}
	}
}

func (r *Runner) connectivityLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ConnectivityCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.CheckConnectivity(ctx)
		}
	}
}

// CheckConnectivity samples the probe and forwards a change to the engine.
// Regaining connectivity triggers a normal-priority cycle.
func (r *Runner) CheckConnectivity(ctx context.Context) {
	c, err := r.probe.Sample(ctx)
	if err != nil {
		logging.Warn("[SyncRunner] Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return
	}
	online := c.IsOnline && c.NetworkType != device.NetworkNone

	r.mu.Lock()
	was := r.isOnline
	r.isOnline = online
	r.mu.Unlock()
	if was == online {
		return
	}

	r.engine.SetOnline(online)
	if online {
		if r.onReachable != nil {
			r.onReachable()
		}
		// The caller's ctx may end with its request; the cycle must not.
		r.Trigger(context.WithoutCancel(ctx), syncpkg.PriorityNormal)
	}
}

// Trigger requests a gated cycle in the background. It returns false when
// the Runner already has one in progress.
func (r *Runner) Trigger(ctx context.Context, priority syncpkg.Priority) bool {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return false
	}
	r.triggers++
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, priority)
	}()
	return true
}

// SyncNow requests a gated cycle and waits for it.
func (r *Runner) SyncNow(ctx context.Context, priority syncpkg.Priority) (*syncpkg.SyncResult, error) {
	return r.run(ctx, priority)
}

func (r *Runner) run(ctx context.Context, priority syncpkg.Priority) (*syncpkg.SyncResult, error) {
	r.mu.Lock()
	r.inProgress = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	res, err := r.engine.StartSync(cycleCtx, priority)
	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastResult = res
	r.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("[SyncRunner] Scheduled sync failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"priority": string(priority)})
		return res, err
	}
	if res != nil && res.Skipped {
		logging.Debug("[SyncRunner] Scheduled sync deferred", map[string]interface{}{
			"priority": string(priority), "reason": res.Reason,
		})
	}
	return res, nil
}

// Status returns a snapshot of the Runner.
func (r *Runner) Status() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunnerStatus{
		IsRunning:    r.isRunning,
		IsOnline:     r.isOnline,
		LastRun:      r.lastRun,
		NextRun:      r.nextRun,
		LastResult:   r.lastResult,
		InProgress:   r.inProgress,
		TriggerCount: r.triggers,
	}
}

// IsRunning reports whether the loops are active.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}
