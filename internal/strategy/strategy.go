// Package strategy decides where a single request runs.
//
// Selection is a pure function of the policy, the device capability snapshot
// and whether a cloud backend is available. Rules are evaluated in order and
// the first match wins; hard configuration failures are detected before the
// soft performance preferences.
package strategy

import (
	"fmt"

	"github.com/flynn-ai/edgeroute/internal/capability"
	"github.com/flynn-ai/edgeroute/internal/errors"
	"github.com/flynn-ai/edgeroute/internal/policy"
)

// Strategy is the execution path chosen for one request.
type Strategy int

const (
	Device Strategy = iota
	Cloud
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Device:
		return "device"
	case Cloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// Memory the default on-device model needs.
const (
	DefaultModelSizeGB = 3.0
	MemoryOverheadGB   = 1.0
)

// Decision is a strategy plus the reason it was chosen.
type Decision struct {
	Strategy Strategy
	Reason   string
}

// Select returns the strategy for the request.
func Select(p policy.Policy, c capability.Model, cloudAvailable bool) (Strategy, error) {
	d, err := Decide(p, c, cloudAvailable)
	if err != nil {
		return 0, err
	}
	return d.Strategy, nil
}

// Decide is Select with the reason attached.
func Decide(p policy.Policy, c capability.Model, cloudAvailable bool) (Decision, error) {
	if !p.PreferOnDevice {
		return Decision{Cloud, "policy prefers cloud"}, nil
	}

	if !c.HasAccelerator && !cloudAvailable {
		return Decision{}, errors.Configuration("no viable inference path: device has no accelerator and no cloud backend is configured")
	}

	canFallback := p.AllowCloudFallback && cloudAvailable

	if reason := inadmissible(p, c); reason != "" {
		if canFallback {
			return Decision{Cloud, reason}, nil
		}
		return Decision{}, errors.InsufficientCapability(reason)
	}

	if est := c.EstimateFirstTokenLatencyMs(); int64(est) > p.MaxFirstToken.Milliseconds() && canFallback {
		return Decision{Cloud, fmt.Sprintf("estimated first token %dms exceeds %s", est, p.MaxFirstToken)}, nil
	}

	if est := c.EstimateTokensPerSecond(); est < p.MinTokensPerSecond && canFallback {
		return Decision{Cloud, fmt.Sprintf("estimated %.1f tok/s below %.1f", est, p.MinTokensPerSecond)}, nil
	}

	return Decision{Device, fmt.Sprintf("device tier %s meets policy", c.Tier())}, nil
}

// inadmissible returns why the device must not run the request, or "".
// Battery and low-power mode are blockers, not preferences.
func inadmissible(p policy.Policy, c capability.Model) string {
	required := DefaultModelSizeGB + MemoryOverheadGB
	switch {
	case required > c.AvailableMemoryGB:
		return fmt.Sprintf("device has %.1fGB available, needs %.1fGB", c.AvailableMemoryGB, required)
	case c.BatteryLevel < p.BatteryThreshold:
		return fmt.Sprintf("battery %.0f%% below threshold %.0f%%", c.BatteryLevel*100, p.BatteryThreshold*100)
	case c.IsLowPowerMode:
		return "device is in low power mode"
	}
	return ""
}
