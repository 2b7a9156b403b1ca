package device

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/net"
)

// Host probes the machine the process runs on. Connectivity and network
// type come from the network interfaces; battery state is taken from an
// optional Reported source and otherwise assumed to be mains power.
type Host struct {
	battery    *Reported
	interfaces func(ctx context.Context) (net.InterfaceStatList, error)
	now        func() time.Time
}

// NewHost creates a host probe. battery may be nil.
func NewHost(battery *Reported) *Host {
	return &Host{
		battery:    battery,
		interfaces: net.InterfacesWithContext,
		now:        time.Now,
	}
}

// Sample implements Probe.
func (h *Host) Sample(ctx context.Context) (Conditions, error) {
	c := Conditions{BatteryLevel: 100, IsCharging: true}
	if h.battery != nil {
		reported, err := h.battery.Sample(ctx)
		if err != nil {
			return Conditions{}, err
		}
		c.BatteryLevel = reported.BatteryLevel
		c.IsCharging = reported.IsCharging
		c.IsMetered = reported.IsMetered
	}

	ifaces, err := h.interfaces(ctx)
	if err != nil {
		return Conditions{}, err
	}
	c.NetworkType = classify(ifaces)
	c.IsOnline = c.NetworkType != NetworkNone
	if c.NetworkType == NetworkCellular {
		c.IsMetered = true
	}
	c.SampledAt = h.now()
	return c, nil
}

// classify picks the best active medium: ethernet, then wifi, then cellular.
func classify(ifaces net.InterfaceStatList) NetworkType {
	best := NetworkNone
	rank := map[NetworkType]int{NetworkNone: 0, NetworkUnknown: 1, NetworkCellular: 2, NetworkWiFi: 3, NetworkEthernet: 4}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") || len(iface.Addrs) == 0 {
			continue
		}
		t := interfaceType(iface.Name)
		if rank[t] > rank[best] {
			best = t
		}
	}
	return best
}

func interfaceType(name string) NetworkType {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wi-fi"), strings.HasPrefix(n, "wifi"):
		return NetworkWiFi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return NetworkCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return NetworkEthernet
	default:
		return NetworkUnknown
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
