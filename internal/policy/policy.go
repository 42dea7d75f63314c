// Package policy defines the declarative thresholds that govern routing.
package policy

import (
	"fmt"
	"time"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// Preset names accepted by Named.
const (
	PresetAuto       = "auto"
	PresetDeviceOnly = "device_only"
	PresetCloudOnly  = "cloud_only"
)

// Policy is an immutable set of routing thresholds. Pass it by value.
type Policy struct {
	PreferOnDevice      bool          `json:"prefer_on_device"`
	MaxFirstToken       time.Duration `json:"max_first_token"`
	AllowCloudFallback  bool          `json:"allow_cloud_fallback"`
	MaxMemoryUsageBytes uint64        `json:"max_memory_usage_bytes"`
	MinTokensPerSecond  float64       `json:"min_tokens_per_second"`
	BatteryThreshold    float64       `json:"battery_threshold"`
}

// Auto returns the balanced default policy.
func Auto() Policy {
	return Policy{
		PreferOnDevice:      true,
		MaxFirstToken:       300 * time.Millisecond,
		AllowCloudFallback:  true,
		MaxMemoryUsageBytes: 4 << 30,
		MinTokensPerSecond:  10.0,
		BatteryThreshold:    0.2,
	}
}

// DeviceOnly keeps every request on the device.
func DeviceOnly() Policy {
	p := Auto()
	p.AllowCloudFallback = false
	return p
}

// CloudOnly sends every request to the cloud. Thresholds are relaxed so they
// never block the cloud path.
func CloudOnly() Policy {
	return Policy{
		PreferOnDevice:      false,
		MaxFirstToken:       5 * time.Second,
		AllowCloudFallback:  true,
		MaxMemoryUsageBytes: 0,
		MinTokensPerSecond:  0,
		BatteryThreshold:    0,
	}
}

// Named resolves a preset name.
func Named(name string) (Policy, error) {
	switch name {
	case PresetAuto, "":
		return Auto(), nil
	case PresetDeviceOnly:
		return DeviceOnly(), nil
	case PresetCloudOnly:
		return CloudOnly(), nil
	default:
		return Policy{}, errors.NewBuilder(errors.CodeConfiguration, fmt.Sprintf("unknown policy preset %q", name)).
			User().
			WithSuggestion("Use one of: auto, device_only, cloud_only").
			Build()
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.BatteryThreshold < 0 || p.BatteryThreshold > 1 {
		return errors.Configuration(fmt.Sprintf("battery threshold %.2f outside [0,1]", p.BatteryThreshold))
	}
	if p.MaxFirstToken <= 0 {
		return errors.Configuration("max first token latency must be positive")
	}
	return nil
}

// With returns a copy of p with fn applied.
func (p Policy) With(fn func(*Policy)) Policy {
	fn(&p)
	return p
}
