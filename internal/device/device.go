// Package device samples the conditions that make a sync attempt cheap or
// expensive: battery, network type and cost, connectivity.
package device

import (
	"context"
	"sync"
	"time"
)

// NetworkType is the active network medium.
type NetworkType string

const (
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkNone     NetworkType = "none"
	NetworkUnknown  NetworkType = "unknown"
)

// Conditions is one sample of device state. It is valid for a single
// scheduling decision only.
type Conditions struct {
	BatteryLevel int         `json:"battery_level"` // percent, 0..100
	IsCharging   bool        `json:"is_charging"`
	NetworkType  NetworkType `json:"network_type"`
	IsMetered    bool        `json:"is_metered"`
	IsOnline     bool        `json:"is_online"`
	SampledAt    time.Time   `json:"sampled_at"`
}

// Probe reads current device conditions. Implementations must sample on
// every call and never serve a cached value.
type Probe interface {
	Sample(ctx context.Context) (Conditions, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Conditions, error)

// Sample calls f.
func (f ProbeFunc) Sample(ctx context.Context) (Conditions, error) {
	return f(ctx)
}

// Reported holds the conditions last pushed by the platform layer (mobile
// OS callbacks, desktop shell). Sample returns them stamped with the
// sampling time.
type Reported struct {
	mu  sync.RWMutex
	c   Conditions
	now func() time.Time
}

// NewReported creates a Reported probe with initial conditions.
func NewReported(initial Conditions) *Reported {
	return &Reported{c: initial, now: time.Now}
}

// Set replaces the reported conditions.
func (r *Reported) Set(c Conditions) {
	r.mu.Lock()
	r.c = c
	r.mu.Unlock()
}

// Update mutates the reported conditions in place.
func (r *Reported) Update(fn func(*Conditions)) {
	r.mu.Lock()
	fn(&r.c)
	r.mu.Unlock()
}

// Sample implements Probe.
func (r *Reported) Sample(ctx context.Context) (Conditions, error) {
	if err := ctx.Err(); err != nil {
		return Conditions{}, err
	}
	r.mu.RLock()
	c := r.c
	r.mu.RUnlock()
	c.SampledAt = r.now()
	return c, nil
}
