package capability

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemFacts is what the operating system reports about the host. Zero
// fields are unknown.
type SystemFacts struct {
	CPUModel          string
	Cores             int
	AvailableMemoryGB float64
	OSVersion         string
	OS                string
	Arch              string
}

// HostProbe reads device facts from the running host. Anything it cannot read
// comes from Defaults.
type HostProbe struct {
	Defaults Model

	// Root prefixes /sys and /dev lookups. Empty means "/".
	Root string

	// System reports host facts. Nil uses gopsutil.
	System func(ctx context.Context) SystemFacts
}

// NewHostProbe creates a probe that falls back to defaults.
func NewHostProbe(defaults Model) *HostProbe {
	return &HostProbe{Defaults: defaults}
}

// Evaluate builds a snapshot of the host.
func (p *HostProbe) Evaluate(ctx context.Context) Model {
	m := p.Defaults

	system := p.System
	if system == nil {
		system = ReadSystemFacts
	}
	facts := system(ctx)

	if facts.Cores > 0 {
		m.CPUCoreCount = uint32(facts.Cores)
	}
	if m.DeviceModel == "" {
		m.DeviceModel = facts.CPUModel
	}
	if m.DeviceModel == "" && facts.OS != "" {
		m.DeviceModel = facts.OS + "/" + facts.Arch
	}
	if m.OSVersion == "" {
		m.OSVersion = facts.OSVersion
	}
	if facts.AvailableMemoryGB > 0 {
		m.AvailableMemoryGB = facts.AvailableMemoryGB
	}
	if level, ok := p.batteryLevel(); ok {
		m.BatteryLevel = level
	}
	if !m.HasAccelerator {
		// Apple silicon always has a GPU and neural engine on the package.
		m.HasAccelerator = (facts.OS == "darwin" && facts.Arch == "arm64") || p.hasGPUNode()
	}

	return m
}

// ReadSystemFacts queries the host through gopsutil. Failed lookups leave
// their fields zero.
func ReadSystemFacts(ctx context.Context) SystemFacts {
	var f SystemFacts

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		f.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		f.Cores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		f.AvailableMemoryGB = float64(vm.Available) / (1 << 30)
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		f.OS = info.OS
		f.Arch = normalizeArch(info.KernelArch)
		f.OSVersion = info.PlatformVersion
		if f.OSVersion == "" {
			f.OSVersion = info.KernelVersion
		}
	}
	return f
}

// normalizeArch maps kernel architecture names onto GOARCH spelling.
func normalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	}
	return arch
}

func (p *HostProbe) path(parts ...string) string {
	root := p.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, parts...)...)
}

// batteryLevel reads the first battery's capacity percentage.
func (p *HostProbe) batteryLevel() (float64, bool) {
	matches, err := filepath.Glob(p.path("sys", "class", "power_supply", "BAT*", "capacity"))
	if err != nil || len(matches) == 0 {
		return 0, false
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct / 100, true
}

// hasGPUNode looks for GPU compute device nodes.
func (p *HostProbe) hasGPUNode() bool {
	for _, dev := range []string{"nvidia0", "kfd"} {
		if _, err := os.Stat(p.path("dev", dev)); err == nil {
			return true
		}
	}
	return false
}
