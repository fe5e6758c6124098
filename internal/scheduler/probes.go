package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/verdantlab/fieldsync/internal/types"
)

// BatteryProbe samples the device's power state.
type BatteryProbe interface {
	Battery() types.BatteryState
}

// NetworkProbe classifies the current connection quality.
type NetworkProbe interface {
	NetworkTier(ctx context.Context) types.NetworkTier
}

// SysfsBatteryProbe reads the kernel power supply interface. Devices
// without a battery, field laptops on mains power included, report as
// charging so the battery gate never blocks them.
type SysfsBatteryProbe struct {
	// Root defaults to /sys/class/power_supply.
	Root string
}

func (p SysfsBatteryProbe) Battery() types.BatteryState {
	root := p.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return types.BatteryState{Charging: true, Level: 1}
	}

	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		if readSysfs(filepath.Join(dir, "type")) != "Battery" {
			continue
		}

		state := types.BatteryState{Level: 1}
		if v := readSysfs(filepath.Join(dir, "capacity")); v != "" {
			if pct, err := strconv.Atoi(v); err == nil {
				state.Level = float64(pct) / 100
			}
		}
		status := readSysfs(filepath.Join(dir, "status"))
		state.Charging = status == "Charging" || status == "Full"
		return state
	}

	// No battery found, treat as mains powered.
	return types.BatteryState{Charging: true, Level: 1}
}

func readSysfs(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// RTTNetworkProbe classifies connection quality from observed round
// trip time, mirroring the effective connection type breakpoints most
// clients use. A failed probe yields TierUnknown, which passes the
// network gate; the offline gate already covers true unreachability.
type RTTNetworkProbe struct {
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

func (p RTTNetworkProbe) NetworkTier(ctx context.Context) types.NetworkTier {
	start := time.Now()
	if err := p.Pinger.Ping(ctx); err != nil {
		return types.TierUnknown
	}
	return classifyRTT(time.Since(start))
}

func classifyRTT(rtt time.Duration) types.NetworkTier {
	switch {
	case rtt < 120*time.Millisecond:
		return types.Tier4G
	case rtt < 450*time.Millisecond:
		return types.Tier3G
	case rtt < 1400*time.Millisecond:
		return types.Tier2G
	default:
		return types.TierSlow2G
	}
}

// StaticProbes pins both probes to fixed values. Used in tests and on
// deployments where gating on environment makes no sense.
type StaticProbes struct {
	Tier  types.NetworkTier
	State types.BatteryState
}

func (s StaticProbes) Battery() types.BatteryState { return s.State }

func (s StaticProbes) NetworkTier(context.Context) types.NetworkTier { return s.Tier }
