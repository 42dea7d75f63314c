// Package capability describes what the local device can do.
//
// A Model is a static snapshot taken once per session by a Probe. Performance
// estimates are derived from the snapshot's tier rather than measured live.
package capability

import (
	"context"
	"strings"
)

// Tier is a discrete classification of device capability.
type Tier int

const (
	TierCPULow Tier = iota
	TierCPUMedium
	TierLow
	TierMedium
	TierHigh
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	case TierCPUMedium:
		return "cpu_medium"
	case TierCPULow:
		return "cpu_low"
	default:
		return "unknown"
	}
}

// Tier thresholds.
const (
	acceleratedMemoryGB = 6.0
	cpuMemoryGB         = 4.0
	cpuCores            = 6
)

// Markers identify device generations by substring of the device model.
type Markers struct {
	Newest   []string
	Previous []string
}

// DefaultMarkers are used by Tier.
var DefaultMarkers = Markers{
	Newest:   []string{"iPhone17", "iPhone16", "Apple M4", "Apple M3"},
	Previous: []string{"iPhone15", "iPhone14", "Apple M2", "Apple M1"},
}

// Model is an immutable snapshot of device facts.
type Model struct {
	HasAccelerator    bool    `json:"has_accelerator"`
	AvailableMemoryGB float64 `json:"available_memory_gb"`
	DeviceModel       string  `json:"device_model"`
	OSVersion         string  `json:"os_version"`
	BatteryLevel      float64 `json:"battery_level"`
	CPUCoreCount      uint32  `json:"cpu_core_count"`
	IsLowPowerMode    bool    `json:"is_low_power_mode"`
}

// Tier classifies the device using DefaultMarkers.
func (m Model) Tier() Tier {
	return m.TierWith(DefaultMarkers)
}

// TierWith classifies the device using the given generation markers.
func (m Model) TierWith(markers Markers) Tier {
	if m.HasAccelerator {
		if m.AvailableMemoryGB < acceleratedMemoryGB {
			return TierLow
		}
		switch {
		case matchesAny(m.DeviceModel, markers.Newest):
			return TierHigh
		case matchesAny(m.DeviceModel, markers.Previous):
			return TierMedium
		default:
			return TierLow
		}
	}
	if m.CPUCoreCount >= cpuCores && m.AvailableMemoryGB >= cpuMemoryGB {
		return TierCPUMedium
	}
	return TierCPULow
}

// EstimateFirstTokenLatencyMs predicts time to first token for the device tier.
func (m Model) EstimateFirstTokenLatencyMs() uint32 {
	switch m.Tier() {
	case TierHigh:
		return 150
	case TierMedium:
		return 250
	case TierLow:
		return 400
	case TierCPUMedium:
		return 800
	default:
		return 1500
	}
}

// EstimateTokensPerSecond predicts decode throughput for the device tier.
func (m Model) EstimateTokensPerSecond() float64 {
	switch m.Tier() {
	case TierHigh:
		return 30
	case TierMedium:
		return 20
	case TierLow:
		return 12
	case TierCPUMedium:
		return 6
	default:
		return 2
	}
}

func matchesAny(device string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(device, marker) {
			return true
		}
	}
	return false
}

// Probe evaluates device capability. Evaluate always returns a snapshot;
// falling back to defaults is the probe's own concern.
type Probe interface {
	Evaluate(ctx context.Context) Model
}

// StaticProbe returns a fixed snapshot.
type StaticProbe struct {
	Model Model
}

// Evaluate returns the configured snapshot.
func (p StaticProbe) Evaluate(context.Context) Model {
	return p.Model
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) Model

// Evaluate calls f.
func (f ProbeFunc) Evaluate(ctx context.Context) Model {
	return f(ctx)
}
