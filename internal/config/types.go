// Package config provides configuration types for edgeroute.
package config

import (
	"github.com/flynn-ai/edgeroute/internal/capability"
	"github.com/flynn-ai/edgeroute/internal/stats"
)

// Config represents the main edgeroute configuration.
type Config struct {
	Policy     PolicyConfig     `toml:"policy" yaml:"policy"`
	Device     DeviceConfig     `toml:"device" yaml:"device"`
	Capability CapabilityConfig `toml:"capability" yaml:"capability"`
	Cloud      CloudConfig      `toml:"cloud" yaml:"cloud"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
}

// PolicyConfig selects a routing preset and optionally overrides its fields.
type PolicyConfig struct {
	Preset string `toml:"preset" yaml:"preset"` // auto, device_only, cloud_only

	PreferOnDevice     *bool    `toml:"prefer_on_device,omitempty" yaml:"prefer_on_device,omitempty"`
	MaxFirstTokenMs    *int64   `toml:"max_first_token_ms,omitempty" yaml:"max_first_token_ms,omitempty"`
	AllowCloudFallback *bool    `toml:"allow_cloud_fallback,omitempty" yaml:"allow_cloud_fallback,omitempty"`
	MaxMemoryUsageMB   *uint64  `toml:"max_memory_usage_mb,omitempty" yaml:"max_memory_usage_mb,omitempty"`
	MinTokensPerSecond *float64 `toml:"min_tokens_per_second,omitempty" yaml:"min_tokens_per_second,omitempty"`
	BatteryThreshold   *float64 `toml:"battery_threshold,omitempty" yaml:"battery_threshold,omitempty"`
}

// DeviceConfig configures the local model server.
type DeviceConfig struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	BaseURL        string `toml:"base_url" yaml:"base_url"`
	Model          string `toml:"model" yaml:"model"`
	LoadTimeoutSec int    `toml:"load_timeout_sec" yaml:"load_timeout_sec"`
}

// CapabilityConfig selects the capability probe. The device facts are the
// whole snapshot for the static probe and the fallbacks for the host probe.
type CapabilityConfig struct {
	Probe             string  `toml:"probe" yaml:"probe"` // host, static
	HasAccelerator    bool    `toml:"has_accelerator" yaml:"has_accelerator"`
	AvailableMemoryGB float64 `toml:"available_memory_gb" yaml:"available_memory_gb"`
	DeviceModel       string  `toml:"device_model" yaml:"device_model"`
	OSVersion         string  `toml:"os_version" yaml:"os_version"`
	BatteryLevel      float64 `toml:"battery_level" yaml:"battery_level"`
	CPUCoreCount      uint32  `toml:"cpu_core_count" yaml:"cpu_core_count"`
	LowPowerMode      bool    `toml:"low_power_mode" yaml:"low_power_mode"`
}

// Model returns the configured device facts as a capability snapshot.
func (c CapabilityConfig) Model() capability.Model {
	return capability.Model{
		HasAccelerator:    c.HasAccelerator,
		AvailableMemoryGB: c.AvailableMemoryGB,
		DeviceModel:       c.DeviceModel,
		OSVersion:         c.OSVersion,
		BatteryLevel:      c.BatteryLevel,
		CPUCoreCount:      c.CPUCoreCount,
		IsLowPowerMode:    c.LowPowerMode,
	}
}

// CloudConfig lists the cloud providers. Default names the one used for
// cloud requests; when empty or unavailable the first provider with a key
// is used.
type CloudConfig struct {
	Default   string           `toml:"default" yaml:"default"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
}

// ProviderConfig configures one cloud provider.
type ProviderConfig struct {
	Name           string  `toml:"name" yaml:"name"` // openai, anthropic, gemini
	APIKey         string  `toml:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL        string  `toml:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model          string  `toml:"model,omitempty" yaml:"model,omitempty"`
	TimeoutSec     int     `toml:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	MaxRetries     int     `toml:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	CostPerMillion float64 `toml:"cost_per_million,omitempty" yaml:"cost_per_million,omitempty"`
}

// TelemetryConfig configures telemetry persistence.
type TelemetryConfig struct {
	Persist      bool               `toml:"persist" yaml:"persist"`
	DBPath       string             `toml:"db_path" yaml:"db_path"`
	Placeholders stats.Placeholders `toml:"placeholders" yaml:"placeholders"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level    string `toml:"level" yaml:"level"`       // debug, info, warn, error
	Encoding string `toml:"encoding" yaml:"encoding"` // json, console
}
