// Package scheduler decides when a sync attempt may run and drives the
// batched push of pending work to the remote breeding API.
package scheduler

import (
	"fmt"

	"github.com/verdantlab/fieldsync/internal/types"
)

// SkipReason names the first precondition that vetoed a sync attempt.
// An empty reason means the attempt may proceed. Skips are outcomes,
// not errors.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipOffline    SkipReason = "offline"
	SkipLowBattery SkipReason = "low-battery"
	SkipNotWifi    SkipReason = "not-wifi"
)

// SkipNetwork names the throttled-network skip for a given tier, e.g.
// "network-2g".
func SkipNetwork(tier types.NetworkTier) SkipReason {
	return SkipReason(fmt.Sprintf("network-%s", tier))
}

// EnvSnapshot captures the device environment once per sync attempt.
// Every gate judges the same snapshot, so one attempt cannot see two
// different worlds.
type EnvSnapshot struct {
	Online   bool
	Network  types.NetworkTier
	Battery  types.BatteryState
	Settings types.SyncSettings
}

// GatePredicate inspects a snapshot and vetoes the attempt with a
// reason, or passes it with SkipNone.
type GatePredicate func(env EnvSnapshot) SkipReason

// GateConfig parameterizes the default gates.
type GateConfig struct {
	MinBatteryLevel float64
}

// DefaultGates returns the standard gate chain in evaluation order:
// offline first, then network quality, then battery. The first veto
// wins so the reported reason is the most fundamental obstacle.
func DefaultGates(cfg GateConfig) []GatePredicate {
	return []GatePredicate{
		func(env EnvSnapshot) SkipReason {
			if !env.Online {
				return SkipOffline
			}
			return SkipNone
		},
		func(env EnvSnapshot) SkipReason {
			if env.Settings.WifiOnly && !env.Network.Unmetered() {
				return SkipNotWifi
			}
			return SkipNone
		},
		func(env EnvSnapshot) SkipReason {
			if env.Network.Throttled() {
				return SkipNetwork(env.Network)
			}
			return SkipNone
		},
		func(env EnvSnapshot) SkipReason {
			if !env.Battery.Charging && env.Battery.Level < cfg.MinBatteryLevel {
				return SkipLowBattery
			}
			return SkipNone
		},
	}
}

// Evaluate runs the gates in order and returns the first veto.
func Evaluate(gates []GatePredicate, env EnvSnapshot) SkipReason {
	for _, gate := range gates {
		if reason := gate(env); reason != SkipNone {
			return reason
		}
	}
	return SkipNone
}
