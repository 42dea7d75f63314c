// Package config handles edgeroute configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/flynn-ai/edgeroute/internal/capability"
	"github.com/flynn-ai/edgeroute/internal/errors"
	"github.com/flynn-ai/edgeroute/internal/model"
	"github.com/flynn-ai/edgeroute/internal/policy"
	"github.com/flynn-ai/edgeroute/internal/stats"
)

// Probe kinds.
const (
	ProbeHost   = "host"
	ProbeStatic = "static"
)

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".edgeroute")

	return &Config{
		Policy: PolicyConfig{
			Preset: policy.PresetAuto,
		},
		Device: DeviceConfig{
			Enabled:        true,
			BaseURL:        "http://localhost:11434",
			Model:          "llama3.2:3b",
			LoadTimeoutSec: 60,
		},
		Capability: CapabilityConfig{
			Probe:             ProbeHost,
			AvailableMemoryGB: 8,
			BatteryLevel:      1.0,
		},
		Cloud: CloudConfig{
			Default:   "openai",
			Providers: defaultProviders(),
		},
		Telemetry: TelemetryConfig{
			Persist:      true,
			DBPath:       filepath.Join(dataDir, "telemetry.db"),
			Placeholders: stats.DefaultPlaceholders(),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "openai", CostPerMillion: 0.60},
		{Name: "anthropic", CostPerMillion: 4.00},
		{Name: "gemini", CostPerMillion: 0.40},
	}
}

// Load loads the configuration from the given path. If the file doesn't
// exist, returns defaults. Files ending in .yaml or .yml are read as YAML,
// anything else as TOML. Environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		// Decoding reuses existing slice elements, so start from no providers.
		cfg.Cloud.Providers = nil
		if isYAML(configPath) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, errors.NewBuilder(errors.CodeConfigInvalid, "failed to parse "+configPath).
				User().
				Wrap(err).
				Build()
		}
		if cfg.Cloud.Providers == nil {
			cfg.Cloud.Providers = defaultProviders()
		}
	}

	applyEnv(cfg)
	cfg = expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyEnv fills settings from the environment. API keys only fill providers
// that have none; EDGEROUTE_POLICY and OLLAMA_HOST always win.
func applyEnv(cfg *Config) {
	keys := map[string][]string{
		"openai":    {"OPENAI_API_KEY"},
		"anthropic": {"ANTHROPIC_API_KEY"},
		"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	}
	for i := range cfg.Cloud.Providers {
		p := &cfg.Cloud.Providers[i]
		if p.APIKey != "" {
			continue
		}
		for _, env := range keys[strings.ToLower(p.Name)] {
			if v := os.Getenv(env); v != "" {
				p.APIKey = v
				break
			}
		}
	}

	if v := os.Getenv("EDGEROUTE_POLICY"); v != "" {
		cfg.Policy.Preset = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		cfg.Device.BaseURL = v
	}
}

// Save saves the configuration to the given path, as YAML or TOML by extension.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if isYAML(configPath) {
		enc := yaml.NewEncoder(file)
		defer enc.Close()
		return enc.Encode(c)
	}
	return toml.NewEncoder(file).Encode(c)
}

// expandPaths expands a leading ~ in paths.
func expandPaths(cfg *Config) *Config {
	homeDir, _ := os.UserHomeDir()

	if p := cfg.Telemetry.DBPath; p != "" && p[0] == '~' {
		cfg.Telemetry.DBPath = filepath.Join(homeDir, p[1:])
	}
	return cfg
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if _, err := c.ToPolicy(); err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "invalid policy section", errors.CategoryUser)
	}

	switch c.Capability.Probe {
	case ProbeHost, ProbeStatic, "":
	default:
		return invalid(fmt.Sprintf("unknown capability probe %q", c.Capability.Probe))
	}
	if c.Capability.BatteryLevel < 0 || c.Capability.BatteryLevel > 1 {
		return invalid("capability.battery_level must be between 0 and 1")
	}

	seen := make(map[string]bool)
	for _, p := range c.Cloud.Providers {
		if _, err := model.ParseProvider(p.Name); err != nil {
			return invalid(err.Error())
		}
		seen[strings.ToLower(p.Name)] = true
	}
	if d := strings.ToLower(c.Cloud.Default); d != "" && !seen[d] {
		return invalid(fmt.Sprintf("cloud.default %q is not a configured provider", c.Cloud.Default))
	}

	if c.Telemetry.Persist && c.Telemetry.DBPath == "" {
		return invalid("telemetry.db_path is required when telemetry.persist is set")
	}
	return nil
}

func invalid(msg string) error {
	return errors.NewBuilder(errors.CodeConfigInvalid, msg).
		User().
		WithSuggestion("Run: edgeroute config init to write a default config").
		Build()
}

// ToPolicy resolves the preset and applies field overrides.
func (c *Config) ToPolicy() (policy.Policy, error) {
	p, err := policy.Named(c.Policy.Preset)
	if err != nil {
		return policy.Policy{}, err
	}

	o := c.Policy
	if o.PreferOnDevice != nil {
		p.PreferOnDevice = *o.PreferOnDevice
	}
	if o.MaxFirstTokenMs != nil {
		p.MaxFirstToken = time.Duration(*o.MaxFirstTokenMs) * time.Millisecond
	}
	if o.AllowCloudFallback != nil {
		p.AllowCloudFallback = *o.AllowCloudFallback
	}
	if o.MaxMemoryUsageMB != nil {
		p.MaxMemoryUsageBytes = *o.MaxMemoryUsageMB << 20
	}
	if o.MinTokensPerSecond != nil {
		p.MinTokensPerSecond = *o.MinTokensPerSecond
	}
	if o.BatteryThreshold != nil {
		p.BatteryThreshold = *o.BatteryThreshold
	}

	if err := p.Validate(); err != nil {
		return policy.Policy{}, err
	}
	return p, nil
}

// NewProbe returns the configured capability probe.
func (c *Config) NewProbe() capability.Probe {
	if c.Capability.Probe == ProbeStatic {
		return capability.StaticProbe{Model: c.Capability.Model()}
	}
	return capability.NewHostProbe(c.Capability.Model())
}

// NewDevice returns the local model client, or nil when the device is disabled.
func (c *Config) NewDevice() *model.LocalClient {
	if !c.Device.Enabled {
		return nil
	}
	cfg := model.DefaultLocalConfig()
	if c.Device.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.Device.BaseURL, "/")
	}
	if c.Device.Model != "" {
		cfg.Model = c.Device.Model
	}
	if c.Device.LoadTimeoutSec > 0 {
		cfg.LoadTimeout = time.Duration(c.Device.LoadTimeoutSec) * time.Second
	}
	return model.NewLocalClient(cfg)
}

// NewCloud returns the client for the default provider when it has a key,
// otherwise the first provider with a key, otherwise nil.
func (c *Config) NewCloud() *model.CloudClient {
	var chosen *ProviderConfig
	for i := range c.Cloud.Providers {
		p := &c.Cloud.Providers[i]
		if p.APIKey == "" {
			continue
		}
		if strings.EqualFold(p.Name, c.Cloud.Default) {
			chosen = p
			break
		}
		if chosen == nil {
			chosen = p
		}
	}
	if chosen == nil {
		return nil
	}
	return model.NewCloudClient(chosen.clientConfig())
}

func (p ProviderConfig) clientConfig() *model.CloudConfig {
	provider, _ := model.ParseProvider(p.Name)
	cfg := model.DefaultCloudConfig(provider, p.APIKey)
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.Model != "" {
		cfg.Model = p.Model
	}
	if p.TimeoutSec > 0 {
		cfg.Timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
	return cfg
}

// Rates returns cloud prices per 1M tokens keyed by provider name.
func (c *Config) Rates() map[string]float64 {
	rates := make(map[string]float64, len(c.Cloud.Providers))
	for _, p := range c.Cloud.Providers {
		if provider, err := model.ParseProvider(p.Name); err == nil {
			rates[provider.String()] = p.CostPerMillion
		}
	}
	return rates
}
