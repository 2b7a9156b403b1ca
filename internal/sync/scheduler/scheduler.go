// Package scheduler decides whether a sync attempt is worth its device cost
// right now, and runs periodic cycles gated by that decision.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kimhsiao/fitlog/backend/internal/device"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/monitor"
)

// Deferral reasons.
const (
	ReasonOffline  = "offline"
	ReasonBattery  = "battery"
	ReasonMetered  = "metered"
	ReasonCritical = "critical"
	ReasonAllowed  = "allowed"
)

// Decision is the immutable result of one scheduling decision.
type Decision struct {
	ShouldSync    bool             `json:"should_sync"`
	Reason        string           `json:"reason"`
	Priority      syncpkg.Priority `json:"priority"`
	EstimatedCost int64            `json:"estimated_cost"` // bytes
}

// Policy holds the thresholds of the decision rules.
type Policy struct {
	LowBatteryPercent     int
	MeteredBudgetBytes    int64
	DefaultOperationBytes int64
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		LowBatteryPercent:     15,
		MeteredBudgetBytes:    512 * 1024,
		DefaultOperationBytes: 2 * 1024,
	}
}

// EstimateCost approximates the bytes a cycle would send: every payload
// plus a fixed per-request overhead.
func (p Policy) EstimateCost(pending int, payloadBytes int64) int64 {
	return payloadBytes + int64(pending)*p.DefaultOperationBytes
}

// Decide applies the ordered policy. It is a pure function of its inputs.
//
//  1. offline (device or connection health): deny, whatever the priority
//  2. critical: allow
//  3. low battery and not charging: only high proceeds
//  4. metered and over budget: only high proceeds
//  5. allow
func Decide(p Policy, priority syncpkg.Priority, c device.Conditions, health monitor.Quality, cost int64) Decision {
	d := Decision{Priority: priority, EstimatedCost: cost}

	switch {
	case !c.IsOnline || c.NetworkType == device.NetworkNone || health == monitor.QualityOffline:
		d.Reason = ReasonOffline
	case priority == syncpkg.PriorityCritical:
		d.ShouldSync, d.Reason = true, ReasonCritical
	case deferrable(priority) && c.BatteryLevel < p.LowBatteryPercent && !c.IsCharging:
		d.Reason = ReasonBattery
	case deferrable(priority) && c.IsMetered && cost >= p.MeteredBudgetBytes:
		d.Reason = ReasonMetered
	default:
		d.ShouldSync, d.Reason = true, ReasonAllowed
	}
	return d
}

func deferrable(p syncpkg.Priority) bool {
	return p == syncpkg.PriorityLow || p == syncpkg.PriorityNormal || p == ""
}

// Backlog reports what a cycle would have to send.
type Backlog func() (pending int, payloadBytes int64)

// HealthSource reports the latest connection health.
type HealthSource func() monitor.Quality

// Config configures a Scheduler.
type Config struct {
	Policy      Policy
	StatsWindow time.Duration
	StatsSize   int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{Policy: DefaultPolicy(), StatsWindow: time.Hour, StatsSize: 256}
}

// Stats are rolling decision counts for observability. They never feed
// back into decisions.
type Stats struct {
	Window   time.Duration    `json:"window"`
	Total    int              `json:"total"`
	Allowed  int              `json:"allowed"`
	Denied   int              `json:"denied"`
	ByReason map[string]int   `json:"by_reason"`
	Last     *Decision        `json:"last,omitempty"`
	LastAt   time.Time        `json:"last_at,omitempty"`
	Lifetime map[string]int64 `json:"lifetime"`
}

type statEntry struct {
	decision Decision
	at       time.Time
}

// Scheduler samples device conditions and health for every decision.
type Scheduler struct {
	cfg     Config
	probe   device.Probe
	health  HealthSource
	backlog Backlog
	now     func() time.Time

	seq     atomic.Uint64
	recent  *expirable.LRU[uint64, statEntry]
	mu      sync.Mutex
	last    *statEntry
	counter map[string]int64
}

// New creates a Scheduler. health and backlog may be nil.
func New(cfg Config, probe device.Probe, health HealthSource, backlog Backlog) *Scheduler {
	def := DefaultConfig()
	if cfg.Policy.LowBatteryPercent <= 0 {
		cfg.Policy.LowBatteryPercent = def.Policy.LowBatteryPercent
	}
	if cfg.Policy.MeteredBudgetBytes <= 0 {
		cfg.Policy.MeteredBudgetBytes = def.Policy.MeteredBudgetBytes
	}
	if cfg.Policy.DefaultOperationBytes <= 0 {
		cfg.Policy.DefaultOperationBytes = def.Policy.DefaultOperationBytes
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	if cfg.StatsSize <= 0 {
		cfg.StatsSize = def.StatsSize
	}
	return &Scheduler{
		cfg:     cfg,
		probe:   probe,
		health:  health,
		backlog: backlog,
		now:     time.Now,
		recent:  expirable.NewLRU[uint64, statEntry](cfg.StatsSize, nil, cfg.StatsWindow),
		counter: make(map[string]int64),
	}
}

// Policy returns the active thresholds.
func (s *Scheduler) Policy() Policy {
	return s.cfg.Policy
}

// GetCurrentConditions samples the probe. It never returns a cached value.
func (s *Scheduler) GetCurrentConditions(ctx context.Context) (device.Conditions, error) {
	c, err := s.probe.Sample(ctx)
	if err != nil {
		return device.Conditions{}, fmt.Errorf("sample device conditions: %w", err)
	}
	return c, nil
}

// MakeSyncDecision samples fresh inputs and applies the policy.
func (s *Scheduler) MakeSyncDecision(ctx context.Context, priority syncpkg.Priority) (Decision, error) {
	if priority == "" {
		priority = syncpkg.PriorityNormal
	}
	if !priority.Valid() {
		return Decision{}, fmt.Errorf("unknown priority %q", priority)
	}

	c, err := s.GetCurrentConditions(ctx)
	if err != nil {
		return Decision{}, err
	}
	health := monitor.QualityGood
	if s.health != nil {
		health = s.health()
	}
	var cost int64
	if s.backlog != nil {
		pending, bytes := s.backlog()
		cost = s.cfg.Policy.EstimateCost(pending, bytes)
	}

	d := Decide(s.cfg.Policy, priority, c, health, cost)
	s.record(d)

	logging.Debug("[Scheduler] Sync decision", map[string]interface{}{
		"priority":       string(priority),
		"should_sync":    d.ShouldSync,
		"reason":         d.Reason,
		"battery":        c.BatteryLevel,
		"network":        string(c.NetworkType),
		"metered":        c.IsMetered,
		"health":         string(health),
		"estimated_cost": cost,
	})
	return d, nil
}

// Gate adapts the scheduler to the engine's gate. A sampling failure
// defers the cycle.
func (s *Scheduler) Gate() syncpkg.GateFunc {
	return func(ctx context.Context, priority syncpkg.Priority) (bool, string) {
		d, err := s.MakeSyncDecision(ctx, priority)
		if err != nil {
			logging.Warn("[Scheduler] Decision failed, deferring", map[string]interface{}{"error": err.Error()})
			return false, "conditions unavailable"
		}
		return d.ShouldSync, d.Reason
	}
}

func (s *Scheduler) record(d Decision) {
	e := statEntry{decision: d, at: s.now()}
	s.recent.Add(s.seq.Add(1), e)

	s.mu.Lock()
	s.last = &e
	s.counter[d.Reason]++
	s.mu.Unlock()
}

// GetStats summarises the decisions of the rolling window.
func (s *Scheduler) GetStats() Stats {
	st := Stats{
		Window:   s.cfg.StatsWindow,
		ByReason: make(map[string]int),
		Lifetime: make(map[string]int64),
	}
	for _, e := range s.recent.Values() {
		st.Total++
		if e.decision.ShouldSync {
			st.Allowed++
		} else {
			st.Denied++
		}
		st.ByReason[e.decision.Reason]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		d := s.last.decision
		st.Last = &d
		st.LastAt = s.last.at
	}
	for k, v := range s.counter {
		st.Lifetime[k] = v
	}
	return st
}
