package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier(t *testing.T) {
	tests := []struct {
		name  string
		model Model
		want  Tier
	}{
		{"newest accelerated", Model{HasAccelerator: true, AvailableMemoryGB: 8, DeviceModel: "iPhone16,2"}, TierHigh},
		{"previous accelerated", Model{HasAccelerator: true, AvailableMemoryGB: 6, DeviceModel: "iPhone15,3"}, TierMedium},
		{"unknown accelerated", Model{HasAccelerator: true, AvailableMemoryGB: 12, DeviceModel: "Pixel 9"}, TierLow},
		{"accelerated but small memory", Model{HasAccelerator: true, AvailableMemoryGB: 4, DeviceModel: "iPhone16,2"}, TierLow},
		{"strong cpu", Model{CPUCoreCount: 8, AvailableMemoryGB: 16}, TierCPUMedium},
		{"few cores", Model{CPUCoreCount: 4, AvailableMemoryGB: 16}, TierCPULow},
		{"little memory", Model{CPUCoreCount: 8, AvailableMemoryGB: 2}, TierCPULow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.model.Tier())
		})
	}
}

func TestTierWithCustomMarkers(t *testing.T) {
	m := Model{HasAccelerator: true, AvailableMemoryGB: 8, DeviceModel: "Pixel 9 Pro"}
	markers := Markers{Newest: []string{"Pixel 9"}, Previous: []string{"Pixel 8"}}

	assert.Equal(t, TierHigh, m.TierWith(markers))
	assert.Equal(t, TierLow, m.Tier())
}

func TestEstimatesFollowTier(t *testing.T) {
	high := Model{HasAccelerator: true, AvailableMemoryGB: 8, DeviceModel: "Apple M3 Pro"}
	cpu := Model{CPUCoreCount: 2, AvailableMemoryGB: 2}

	assert.Equal(t, uint32(150), high.EstimateFirstTokenLatencyMs())
	assert.Equal(t, 30.0, high.EstimateTokensPerSecond())
	assert.Equal(t, uint32(1500), cpu.EstimateFirstTokenLatencyMs())
	assert.Equal(t, 2.0, cpu.EstimateTokensPerSecond())
	assert.Greater(t, cpu.EstimateFirstTokenLatencyMs(), high.EstimateFirstTokenLatencyMs())
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "high", TierHigh.String())
	assert.Equal(t, "cpu_low", TierCPULow.String())
}

func facts(f SystemFacts) func(context.Context) SystemFacts {
	return func(context.Context) SystemFacts { return f }
}

func TestHostProbeReadsFakeRoot(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write("sys/class/power_supply/BAT0/capacity", "55\n")
	write("dev/nvidia0", "")

	probe := &HostProbe{
		Root:     root,
		Defaults: Model{BatteryLevel: 1.0},
		System: facts(SystemFacts{
			CPUModel: "AMD Ryzen 9 7950X", Cores: 32, AvailableMemoryGB: 8,
			OSVersion: "6.1.0-test", OS: "linux", Arch: "amd64",
		}),
	}
	m := probe.Evaluate(context.Background())

	assert.InDelta(t, 8.0, m.AvailableMemoryGB, 0.001)
	assert.InDelta(t, 0.55, m.BatteryLevel, 0.001)
	assert.Equal(t, "6.1.0-test", m.OSVersion)
	assert.Equal(t, "AMD Ryzen 9 7950X", m.DeviceModel)
	assert.Equal(t, uint32(32), m.CPUCoreCount)
	assert.True(t, m.HasAccelerator)
	assert.Equal(t, TierLow, m.Tier())
}

func TestHostProbeAppleSiliconTiers(t *testing.T) {
	tests := []struct {
		cpu  string
		want Tier
	}{
		{"Apple M3 Pro", TierHigh},
		{"Apple M4", TierHigh},
		{"Apple M2", TierMedium},
		{"Apple M1 Max", TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.cpu, func(t *testing.T) {
			probe := &HostProbe{
				Root:     t.TempDir(),
				Defaults: Model{BatteryLevel: 1.0},
				System: facts(SystemFacts{
					CPUModel: tt.cpu, Cores: 10, AvailableMemoryGB: 12,
					OSVersion: "15.1", OS: "darwin", Arch: "arm64",
				}),
			}
			m := probe.Evaluate(context.Background())
			assert.True(t, m.HasAccelerator)
			assert.Equal(t, tt.cpu, m.DeviceModel)
			assert.Equal(t, tt.want, m.Tier())
		})
	}
}

func TestHostProbeFallsBackToDefaults(t *testing.T) {
	probe := &HostProbe{
		Root:     t.TempDir(),
		Defaults: Model{AvailableMemoryGB: 3, BatteryLevel: 0.9, DeviceModel: "bench", CPUCoreCount: 2},
		System:   facts(SystemFacts{}),
	}
	m := probe.Evaluate(context.Background())

	assert.Equal(t, 3.0, m.AvailableMemoryGB)
	assert.Equal(t, 0.9, m.BatteryLevel)
	assert.Equal(t, "bench", m.DeviceModel)
	assert.Equal(t, uint32(2), m.CPUCoreCount)
	assert.False(t, m.HasAccelerator)
}

func TestReadSystemFacts(t *testing.T) {
	f := ReadSystemFacts(context.Background())
	assert.Positive(t, f.Cores)
	assert.Positive(t, f.AvailableMemoryGB)
	assert.NotEmpty(t, f.OS)
}

func TestStaticProbe(t *testing.T) {
	want := Model{HasAccelerator: true, AvailableMemoryGB: 8}
	assert.Equal(t, want, StaticProbe{Model: want}.Evaluate(context.Background()))

	called := false
	f := ProbeFunc(func(context.Context) Model { called = true; return want })
	assert.Equal(t, want, f.Evaluate(context.Background()))
	assert.True(t, called)
}
