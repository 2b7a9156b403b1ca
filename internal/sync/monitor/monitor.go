// Package monitor turns sync engine events into rolling metrics and a
// connection-health classification. It is a read-only observer: ingestion
// never blocks the producer, and when the buffer is full the oldest sample
// is dropped.
package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/observer"
)

// Quality is the coarse connection classification.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityOffline  Quality = "offline"
)

// Config holds the classification thresholds and buffer sizes.
type Config struct {
	WindowSize           int
	BufferSize           int
	DegradedSuccessRate  float64
	OfflineAfterFailures int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:           50,
		BufferSize:           128,
		DegradedSuccessRate:  0.8,
		OfflineAfterFailures: 3,
	}
}

// Classify maps consecutive transient failures and the windowed success
// rate to a Quality. samples is the number of attempts in the window.
func Classify(cfg Config, consecutiveFailures int, successRate float64, samples int) Quality {
	switch {
	case consecutiveFailures >= cfg.OfflineAfterFailures:
		return QualityOffline
	case consecutiveFailures > 0:
		return QualityDegraded
	case samples > 0 && successRate < cfg.DegradedSuccessRate:
		return QualityDegraded
	default:
		return QualityGood
	}
}

// Sample is the outcome of one remote attempt.
type Sample struct {
	At        time.Time     `json:"at"`
	OpID      string        `json:"op_id"`
	Success   bool          `json:"success"`
	Transient bool          `json:"transient"` // failure looked like a network problem
	Latency   time.Duration `json:"latency"`
	Bytes     int64         `json:"bytes"`
}

// Metrics are aggregates over the sample window.
type Metrics struct {
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	BytesSent   int64         `json:"bytes_sent"`
	Backlog     int           `json:"backlog"`
	Cycles      int           `json:"cycles"`
	Dropped     uint64        `json:"dropped"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Health is the current connection classification.
type Health struct {
	Quality             Quality   `json:"quality"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	Since               time.Time `json:"since"`
}

// HealthChange is delivered to health observers on a class transition.
type HealthChange struct {
	Previous Health `json:"previous"`
	Current  Health `json:"current"`
}

type eventKind int

const (
	eventSample eventKind = iota
	eventCycle
	eventFlush
	eventReset
)

type event struct {
	kind    eventKind
	sample  Sample
	backlog int
	at      time.Time
	done    chan struct{}
}

// Monitor consumes engine events on its own goroutine.
type Monitor struct {
	cfg    Config
	events chan event

	mu                  sync.Mutex
	ring                []Sample
	head, count         int
	consecutiveFailures int
	cycles              int
	backlog             int
	health              Health
	metrics             Metrics

	dropped atomic.Uint64

	metricsObs observer.List[Metrics]
	healthObs  observer.List[HealthChange]

	runOnce sync.Once
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Monitor. Call Start before recording.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.OfflineAfterFailures <= 0 {
		cfg.OfflineAfterFailures = def.OfflineAfterFailures
	}
	return &Monitor{
		cfg:    cfg,
		events: make(chan event, cfg.BufferSize),
		ring:   make([]Sample, cfg.WindowSize),
		health: Health{Quality: QualityGood, SuccessRate: 1, Since: time.Now()},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Config returns the monitor configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start launches the consumer goroutine. It stops when ctx is done or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	m.runOnce.Do(func() {
		go m.run(ctx)
	})
}

// Stop terminates the consumer after processing buffered events.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.runOnce.Do(func() { close(m.done) })
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case e := <-m.events:
			m.handle(e)
		case <-ctx.Done():
			m.drain()
			return
		case <-m.stop:
			m.drain()
			return
		}
	}
}

func (m *Monitor) drain() {
	for {
		select {
		case e := <-m.events:
			m.handle(e)
		default:
			return
		}
	}
}

// Record ingests one attempt outcome without blocking.
func (m *Monitor) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	m.offer(event{kind: eventSample, sample: s})
}

// CycleCompleted ingests the end of a drain cycle with the remaining
// backlog. Metrics observers fire once per completed cycle.
func (m *Monitor) CycleCompleted(backlog int) {
	m.offer(event{kind: eventCycle, backlog: backlog, at: time.Now()})
}

// offer enqueues e, evicting the oldest buffered event when full.
func (m *Monitor) offer(e event) {
	for i := 0; i < 2; i++ {
		select {
		case m.events <- e:
			return
		default:
		}
		select {
		case old := <-m.events:
			if old.done != nil {
				close(old.done)
			}
			m.dropped.Add(1)
		default:
		}
	}
	m.dropped.Add(1)
}

// ResetHealth clears the failure streak after connectivity is regained.
// The window is kept, so a poor success rate still reads as degraded.
func (m *Monitor) ResetHealth() {
	m.offer(event{kind: eventReset, at: time.Now()})
}

// Flush blocks until every event recorded before the call is processed, or
// ctx ends. The consumer must be running.
func (m *Monitor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.events <- event{kind: eventFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) handle(e event) {
	switch e.kind {
	case eventFlush:
		close(e.done)
	case eventSample:
		change := m.ingest(e.sample)
		if change != nil {
			logging.Info("[SyncMonitor] Connection health changed", map[string]interface{}{
				"from": string(change.Previous.Quality),
				"to":   string(change.Current.Quality),
			})
			m.healthObs.Notify(*change)
		}
	case eventCycle:
		m.metricsObs.Notify(m.completeCycle(e.backlog, e.at))
	case eventReset:
		if change := m.reset(e.at); change != nil {
			m.healthObs.Notify(*change)
		}
	}
}

func (m *Monitor) ingest(s Sample) *HealthChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.head] = s
	m.head = (m.head + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}

	switch {
	case s.Success:
		m.consecutiveFailures = 0
	case s.Transient:
		m.consecutiveFailures++
	default:
		// the remote answered; the connection itself is fine
		m.consecutiveFailures = 0
	}

	rate := m.successRateLocked()
	next := Classify(m.cfg, m.consecutiveFailures, rate, m.count)
	prev := m.health
	m.health.ConsecutiveFailures = m.consecutiveFailures
	m.health.SuccessRate = rate
	if next == prev.Quality {
		return nil
	}
	m.health.Quality = next
	m.health.Since = s.At
	return &HealthChange{Previous: prev, Current: m.health}
}

func (m *Monitor) reset(at time.Time) *HealthChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	rate := m.successRateLocked()
	next := Classify(m.cfg, 0, rate, m.count)
	prev := m.health
	m.health.ConsecutiveFailures = 0
	m.health.SuccessRate = rate
	if next == prev.Quality {
		return nil
	}
	m.health.Quality = next
	m.health.Since = at
	return &HealthChange{Previous: prev, Current: m.health}
}

func (m *Monitor) completeCycle(backlog int, at time.Time) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	m.backlog = backlog
	m.metrics = m.computeLocked(at)
	return m.metrics
}

func (m *Monitor) successRateLocked() float64 {
	if m.count == 0 {
		return 1
	}
	ok := 0
	for _, s := range m.windowLocked() {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / float64(m.count)
}

func (m *Monitor) windowLocked() []Sample {
	out := make([]Sample, 0, m.count)
	start := (m.head - m.count + len(m.ring)) % len(m.ring)
	for i := 0; i < m.count; i++ {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}

func (m *Monitor) computeLocked(at time.Time) Metrics {
	window := m.windowLocked()
	latencies := make([]time.Duration, 0, len(window))
	var bytes int64
	for _, s := range window {
		latencies = append(latencies, s.Latency)
		if s.Success {
			bytes += s.Bytes
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return Metrics{
		Samples:     len(window),
		SuccessRate: m.successRateLocked(),
		P50Latency:  percentile(latencies, 50),
		P95Latency:  percentile(latencies, 95),
		BytesSent:   bytes,
		Backlog:     m.backlog,
		Cycles:      m.cycles,
		Dropped:     m.dropped.Load(),
		UpdatedAt:   at,
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Metrics returns the aggregates of the last completed cycle.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	out.Dropped = m.dropped.Load()
	return out
}

// Health returns the current classification.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Samples returns the current window, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowLocked()
}

// Dropped returns how many events were discarded for lack of buffer space.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// OnMetricsUpdate subscribes to per-cycle metrics.
func (m *Monitor) OnMetricsUpdate(fn func(Metrics)) (unsubscribe func()) {
	return m.metricsObs.Subscribe(fn)
}

// OnHealthUpdate subscribes to health-class transitions only.
func (m *Monitor) OnHealthUpdate(fn func(HealthChange)) (unsubscribe func()) {
	return m.healthObs.Subscribe(fn)
}
