package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/observer"
	"github.com/kimhsiao/fitlog/backend/internal/remote"
	"github.com/kimhsiao/fitlog/backend/internal/sync/monitor"
	"github.com/kimhsiao/fitlog/backend/internal/sync/queue"
)

// SyncStatus is an immutable snapshot of the engine state.
type SyncStatus struct {
	IsOnline          bool            `json:"is_online"`
	IsSyncing         bool            `json:"is_syncing"`
	IsPaused          bool            `json:"is_paused"`
	LastSyncTime      time.Time       `json:"last_sync_time,omitempty"`
	LastSyncResult    *SyncResult     `json:"last_sync_result,omitempty"`
	PendingChanges    int             `json:"pending_changes"`   // live operations plus dead letters
	QueuedOperations  int             `json:"queued_operations"` // live operations
	DeadLetters       int             `json:"dead_letters"`
	SyncProgress      float64         `json:"sync_progress"`
	NextSyncTime      time.Time       `json:"next_sync_time,omitempty"`
	ConnectionQuality monitor.Quality `json:"connection_quality"`
}

// SyncResult summarises one drain cycle.
type SyncResult struct {
	Priority     Priority      `json:"priority,omitempty"`
	Forced       bool          `json:"forced"`
	Skipped      bool          `json:"skipped"`
	Reason       string        `json:"reason,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Attempted    int           `json:"attempted"`
	Applied      int           `json:"applied"`
	Requeued     int           `json:"requeued"`
	DeadLettered int           `json:"dead_lettered"`
	Superseded   int           `json:"superseded"`
	Remaining    int           `json:"remaining"`
	Cancelled    bool          `json:"cancelled"`
	Errors       []string      `json:"errors,omitempty"`
}

// Success reports whether the cycle ran and every attempt was applied.
func (r *SyncResult) Success() bool {
	return r != nil && !r.Skipped && r.DeadLettered == 0 && r.Requeued == 0
}

// Config tunes drain cycles.
type Config struct {
	FanOut               int
	OperationTimeout     time.Duration
	OfflineAfterFailures int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		FanOut:               3,
		OperationTimeout:     30 * time.Second,
		OfflineAfterFailures: 3,
	}
}

// cycle is one drain run. Callers arriving while it runs wait on done.
type cycle struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

// Engine owns the pending-operation queue and pushes it to remote storage.
type Engine struct {
	local   LocalStore
	remote  remote.Store
	queue   *queue.Queue
	monitor *monitor.Monitor
	gate    GateFunc
	cfg     Config
	now     func() time.Time

	mu                  sync.Mutex
	status              SyncStatus
	current             *cycle
	consecutiveFailures int
	cycleStreak         int // transient failures in a row within the current cycle
	pauseHolders        int

	cancelRequested atomic.Bool
	statusObs       observer.List[SyncStatus]
}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor feeds attempt outcomes to m.
func WithMonitor(m *monitor.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithGate installs the scheduling gate consulted by StartSync.
func WithGate(g GateFunc) Option {
	return func(e *Engine) { e.gate = g }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. It starts online and idle.
func NewEngine(local LocalStore, store remote.Store, q *queue.Queue, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.OfflineAfterFailures <= 0 {
		cfg.OfflineAfterFailures = def.OfflineAfterFailures
	}
	e := &Engine{
		local:  local,
		remote: store,
		queue:  q,
		cfg:    cfg,
		now:    time.Now,
		status: SyncStatus{IsOnline: true, ConnectionQuality: monitor.QualityGood},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetGate replaces the scheduling gate.
func (e *Engine) SetGate(g GateFunc) {
	e.mu.Lock()
	e.gate = g
	e.mu.Unlock()
}

// Load restores the persisted queue and refreshes the status counters.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	e.publish()
	return nil
}

// Queue exposes the pending-operation queue for read-only inspection.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() SyncStatus {
	s := e.status
	qs := e.queue.Stats(e.now())
	s.QueuedOperations = qs.Pending
	s.DeadLetters = qs.DeadLetters
	s.PendingChanges = qs.Pending + qs.DeadLetters
	return s
}

// OnStatusChange subscribes fn to status snapshots. Snapshots are
// published after the state change is committed, never under a lock.
func (e *Engine) OnStatusChange(fn func(SyncStatus)) (unsubscribe func()) {
	return e.statusObs.Subscribe(fn)
}

func (e *Engine) publish() {
	e.statusObs.Notify(e.Status())
}

func (e *Engine) update(fn func(s *SyncStatus)) {
	e.mu.Lock()
	fn(&e.status)
	e.mu.Unlock()
	e.publish()
}

// SetNextSyncTime records when the next scheduled cycle is expected.
func (e *Engine) SetNextSyncTime(t time.Time) {
	e.update(func(s *SyncStatus) { s.NextSyncTime = t })
}

// SetOnline records connectivity. Going offline stops the in-flight cycle
// before its next item; the unattempted operations stay queued in order.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.status.IsOnline
	e.status.IsOnline = online
	if online && !was {
		e.consecutiveFailures = 0
		e.status.ConnectionQuality = monitor.QualityGood
	}
	e.mu.Unlock()
	if was != online {
		logging.Info("[SyncEngine] Connectivity changed", map[string]interface{}{"online": online})
		e.publish()
	}
}

// IsOnline reports the last connectivity signal.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.IsOnline
}

// StartSync runs a drain cycle if the gate allows it. A deferral is not an
// error: the result is marked skipped with the gate's reason. A call made
// while a cycle is in flight joins it without consulting the gate.
func (e *Engine) StartSync(ctx context.Context, priority Priority) (*SyncResult, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	e.mu.Lock()
	gate := e.gate
	c := e.current
	e.mu.Unlock()
	if c != nil {
		return e.join(ctx, c)
	}

	if gate != nil {
		if allow, reason := gate(ctx, priority); !allow {
			logging.Debug("[SyncEngine] Cycle deferred by scheduler", map[string]interface{}{
				"priority": string(priority), "reason": reason,
			})
			now := e.now()
			return &SyncResult{Priority: priority, Skipped: true, Reason: reason, StartTime: now, EndTime: now}, nil
		}
	}
	return e.run(ctx, priority, false)
}

// ForceSync runs a drain cycle without consulting the gate. It is reserved
// for explicit user action.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	return e.run(ctx, PriorityCritical, true)
}

// Cancel asks the in-flight cycle to stop before its next item. The
// operation being attempted is allowed to finish.
func (e *Engine) Cancel() {
	e.mu.Lock()
	active := e.current != nil
	e.mu.Unlock()
	if active {
		e.cancelRequested.Store(true)
	}
}

// Pause blocks new cycles, then waits for the in-flight cycle to finish.
// Every successful Pause must be matched by one Resume; cycles stay blocked
// until the last holder resumes. A Pause abandoned through ctx releases its
// hold before returning.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	e.pauseHolders++
	e.status.IsPaused = true
	c := e.current
	e.mu.Unlock()
	e.publish()

	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		e.Resume()
		return ctx.Err()
	}
}

// Resume releases one Pause hold.
func (e *Engine) Resume() {
	e.update(func(s *SyncStatus) {
		if e.pauseHolders > 0 {
			e.pauseHolders--
		}
		s.IsPaused = e.pauseHolders > 0
	})
}

// SchedulingQuality is the connection quality the scheduler acts on. An
// offline classification earned from failed attempts is reported as
// degraded once a queued retry is due, so a gated cycle can try the remote
// again. The retry backoff paces those trials.
func (e *Engine) SchedulingQuality() monitor.Quality {
	e.mu.Lock()
	q := e.status.ConnectionQuality
	online := e.status.IsOnline
	e.mu.Unlock()
	if q != monitor.QualityOffline || !online {
		return q
	}
	if len(e.queue.Due(e.now())) > 0 {
		return monitor.QualityDegraded
	}
	return q
}

// join waits for the in-flight cycle c and returns its outcome.
func (e *Engine) join(ctx context.Context, c *cycle) (*SyncResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run starts a cycle, or joins the one already in flight.
func (e *Engine) run(ctx context.Context, priority Priority, forced bool) (*SyncResult, error) {
	e.mu.Lock()
	if c := e.current; c != nil {
		e.mu.Unlock()
		return e.join(ctx, c)
	}

	start := e.now()
	if reason := e.blockedLocked(); reason != "" {
		e.mu.Unlock()
		return &SyncResult{Priority: priority, Forced: forced, Skipped: true, Reason: reason, StartTime: start, EndTime: start}, nil
	}

	c := &cycle{done: make(chan struct{})}
	e.current = c
	e.cancelRequested.Store(false)
	e.cycleStreak = 0
	e.status.IsSyncing = true
	e.status.SyncProgress = 0
	e.mu.Unlock()
	e.publish()

	logging.Info("[SyncEngine] Sync cycle started", map[string]interface{}{
		"priority": string(priority), "forced": forced,
	})

	result := &SyncResult{Priority: priority, Forced: forced, StartTime: start}
	err := e.drain(ctx, result)
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Remaining = e.queue.Len()
	result.Cancelled = result.Cancelled || e.cancelRequested.Load()

	e.mu.Lock()
	e.status.IsSyncing = false
	e.status.SyncProgress = 1
	e.status.LastSyncResult = result
	if result.Applied > 0 || (err == nil && !result.Cancelled && result.Requeued == 0 && result.DeadLettered == 0) {
		e.status.LastSyncTime = result.EndTime
	}
	c.result, c.err = result, err
	e.current = nil
	e.mu.Unlock()
	close(c.done)
	e.publish()

	if e.monitor != nil {
		e.monitor.CycleCompleted(result.Remaining)
	}

	logging.Info("[SyncEngine] Sync cycle finished", map[string]interface{}{
		"attempted":     result.Attempted,
		"applied":       result.Applied,
		"requeued":      result.Requeued,
		"dead_lettered": result.DeadLettered,
		"remaining":     result.Remaining,
		"cancelled":     result.Cancelled,
		"duration":      result.Duration.String(),
	})
	return result, err
}

func (e *Engine) blockedLocked() string {
	switch {
	case e.status.IsPaused:
		return "paused"
	case !e.status.IsOnline:
		return "offline"
	}
	return ""
}

// drain attempts the operations due when the cycle started. Entity types
// run concurrently up to FanOut; within a type operations run in enqueue
// order. Operations enqueued after the snapshot wait for the next cycle.
func (e *Engine) drain(ctx context.Context, result *SyncResult) error {
	due := e.queue.Due(e.now())
	if len(due) == 0 {
		return nil
	}

	var order []models.EntityType
	byType := make(map[models.EntityType][]*models.PendingOperation)
	for _, op := range due {
		if _, ok := byType[op.EntityType]; !ok {
			order = append(order, op.EntityType)
		}
		byType[op.EntityType] = append(byType[op.EntityType], op)
	}

	var (
		resMu     sync.Mutex
		processed int
	)
	total := len(due)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanOut)
	for _, et := range order {
		ops := byType[et]
		g.Go(func() error {
			for _, op := range ops {
				if stop, why := e.shouldStop(gctx); stop {
					resMu.Lock()
					if why == "cancelled" {
						result.Cancelled = true
					}
					if result.Reason == "" {
						result.Reason = why
					}
					resMu.Unlock()
					return nil
				}

				out := e.attempt(gctx, op)

				resMu.Lock()
				out.apply(result)
				processed++
				progress := float64(processed) / float64(total)
				resMu.Unlock()

				e.update(func(s *SyncStatus) { s.SyncProgress = progress })
			}
			return nil
		})
	}
	return g.Wait()
}

// shouldStop is checked between items, never during one.
func (e *Engine) shouldStop(ctx context.Context) (bool, string) {
	if e.cancelRequested.Load() {
		return true, "cancelled"
	}
	if ctx.Err() != nil {
		return true, "cancelled"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.IsOnline {
		return true, "offline"
	}
	if e.cycleStreak >= e.cfg.OfflineAfterFailures {
		return true, "connection offline"
	}
	return false, ""
}

type attemptOutcome struct {
	skipped bool
	outcome queue.Outcome
	err     error
}

func (o attemptOutcome) apply(r *SyncResult) {
	if o.skipped {
		return
	}
	r.Attempted++
	switch o.outcome {
	case queue.OutcomeRemoved:
		r.Applied++
	case queue.OutcomeRequeued:
		r.Requeued++
	case queue.OutcomeDeadLettered:
		r.DeadLettered++
	case queue.OutcomeSuperseded:
		r.Superseded++
	}
	if o.err != nil {
		r.Errors = append(r.Errors, o.err.Error())
	}
}

// attempt delivers the latest revision of op and records exactly one queue
// transition for it.
func (e *Engine) attempt(ctx context.Context, snapshot *models.PendingOperation) attemptOutcome {
	key := snapshot.Key()
	if !e.queue.Claim(key) {
		return attemptOutcome{skipped: true}
	}
	defer e.queue.Release(key)

	op, ok := e.queue.Get(key)
	if !ok || op.ID != snapshot.ID {
		return attemptOutcome{skipped: true}
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	started := e.now()
	err := e.apply(opCtx, op)
	cancel()
	latency := e.now().Sub(started)

	// bookkeeping must land even if the caller gave up mid-attempt
	bg := context.WithoutCancel(ctx)

	if err == nil {
		outcome, qerr := e.queue.Complete(bg, op)
		if qerr != nil {
			logging.Error("[SyncEngine] Failed to complete operation", qerr, map[string]interface{}{"op_id": op.ID})
			return attemptOutcome{skipped: true}
		}
		if outcome == queue.OutcomeRemoved && e.local != nil {
			if merr := e.local.MarkSynced(bg, op.Namespace, op.EntityType, op.EntityID, op.PayloadVersion); merr != nil && !apperrors.Is(merr, apperrors.ErrNotFound) {
				logging.Warn("[SyncEngine] Failed to mark record synced", map[string]interface{}{
					"op_id": op.ID, "key": key, "error": merr.Error(),
				})
			}
		}
		e.recordOutcome(op, true, false, latency)
		return attemptOutcome{outcome: outcome}
	}

	if ctxErr := opCtx.Err(); ctxErr != nil && !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		err = apperrors.Transient(fmt.Sprintf("%s %s timed out", op.Kind, op.RemoteKey()), err)
	}
	transient := !apperrors.IsPermanent(err)

	outcome, qerr := e.queue.Fail(bg, op, err)
	if qerr != nil {
		logging.Error("[SyncEngine] Failed to record failed attempt", qerr, map[string]interface{}{"op_id": op.ID})
		return attemptOutcome{skipped: true}
	}
	e.recordOutcome(op, false, transient, latency)

	logging.Warn("[SyncEngine] Operation attempt failed", map[string]interface{}{
		"op_id":       op.ID,
		"entity_type": string(op.EntityType),
		"attempt":     op.AttemptCount + 1,
		"transient":   transient,
		"outcome":     string(outcome),
		"error":       err.Error(),
	})
	return attemptOutcome{outcome: outcome, err: err}
}

func (e *Engine) apply(ctx context.Context, op *models.PendingOperation) error {
	switch op.Kind {
	case models.OperationDelete:
		return e.remote.Delete(ctx, op.RemoteKey())
	case models.OperationUpsert:
		return e.remote.Put(ctx, op.RemoteKey(), op.Payload)
	default:
		return apperrors.Permanent(fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
}

// recordOutcome updates connection quality from consecutive outcomes and
// feeds the monitor without blocking.
func (e *Engine) recordOutcome(op *models.PendingOperation, success, transient bool, latency time.Duration) {
	e.mu.Lock()
	switch {
	case success:
		e.consecutiveFailures = 0
		e.cycleStreak = 0
	case transient:
		e.consecutiveFailures++
		e.cycleStreak++
	default:
		e.consecutiveFailures = 0
		e.cycleStreak = 0
	}
	next := monitor.Classify(monitor.Config{OfflineAfterFailures: e.cfg.OfflineAfterFailures}, e.consecutiveFailures, 1, 0)
	changed := next != e.status.ConnectionQuality
	e.status.ConnectionQuality = next
	e.mu.Unlock()

	if changed {
		logging.Info("[SyncEngine] Connection quality changed", map[string]interface{}{"quality": string(next)})
		e.publish()
	}

	if e.monitor != nil {
		var bytes int64
		if success {
			bytes = int64(len(op.Payload))
		}
		e.monitor.Record(monitor.Sample{
			At:        e.now(),
			OpID:      op.ID,
			Success:   success,
			Transient: transient,
			Latency:   latency,
			Bytes:     bytes,
		})
	}
}

// EnqueueRecord queues the current state of rec. Tombstones become remote
// deletes. Guest records are rejected; they sync only after migration.
func (e *Engine) EnqueueRecord(ctx context.Context, rec *models.Record) (*models.PendingOperation, error) {
	kind := models.OperationUpsert
	payload := rec.Data
	if rec.Deleted {
		kind = models.OperationDelete
		payload = nil
	}
	op, err := e.queue.Enqueue(ctx, rec.Namespace, rec.EntityType, rec.EntityID, kind, payload, rec.Version)
	if err != nil {
		return nil, err
	}
	e.publish()
	return op, nil
}

// EnqueueDivergent queues every user-namespace record whose local version
// was never confirmed remotely.
func (e *Engine) EnqueueDivergent(ctx context.Context) (int, error) {
	recs, err := e.local.DivergentRecords(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range recs {
		rec := &recs[i]
		if rec.Namespace.UserID() == "" {
			continue
		}
		if _, err := e.queue.Enqueue(ctx, rec.Namespace, rec.EntityType, rec.EntityID, kindOf(rec), payloadOf(rec), rec.Version); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.Info("[SyncEngine] Enqueued divergent records", map[string]interface{}{"count": n})
		e.publish()
	}
	return n, nil
}

func kindOf(rec *models.Record) models.OperationKind {
	if rec.Deleted {
		return models.OperationDelete
	}
	return models.OperationUpsert
}

func payloadOf(rec *models.Record) []byte {
	if rec.Deleted {
		return nil
	}
	return rec.Data
}

// DeadLetters returns the permanently failed operations.
func (e *Engine) DeadLetters() []*models.PendingOperation {
	return e.queue.DeadLetters()
}

// RetryDeadLetters requeues every dead letter. User-initiated only.
func (e *Engine) RetryDeadLetters(ctx context.Context) (int, error) {
	n, err := e.queue.RetryDeadLetters(ctx)
	e.publish()
	return n, err
}

// DiscardDeadLetter drops one dead letter.
func (e *Engine) DiscardDeadLetter(ctx context.Context, id string) error {
	if err := e.queue.DiscardDeadLetter(ctx, id); err != nil {
		return err
	}
	e.publish()
	return nil
}

// QueueStats summarises the queue now.
func (e *Engine) QueueStats() queue.Stats {
	return e.queue.Stats(e.now())
}
