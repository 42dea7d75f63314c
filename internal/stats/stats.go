// Package stats samples the resource figures attached to telemetry records.
//
// Only memory is measured; battery drain, CPU usage and frame rate are not
// observable from a headless process and come from configured placeholders.
package stats

import (
	"runtime"
	"time"
)

// Resources is one sample of resource usage.
type Resources struct {
	MemoryUsageBytes    uint64
	CPUUsagePercent     float64
	BatteryDrainPercent float64
	FPS                 float64
}

// Sampler produces resource samples.
type Sampler interface {
	Sample() Resources
}

// Placeholders are reported for figures that are not measured.
type Placeholders struct {
	CPUUsagePercent     float64 `toml:"cpu_usage_percent" yaml:"cpu_usage_percent"`
	BatteryDrainPercent float64 `toml:"battery_drain_percent" yaml:"battery_drain_percent"`
	FPS                 float64 `toml:"fps" yaml:"fps"`
}

// DefaultPlaceholders returns the figures reported when nothing is configured.
func DefaultPlaceholders() Placeholders {
	return Placeholders{
		CPUUsagePercent:     0,
		BatteryDrainPercent: 0,
		FPS:                 60,
	}
}

// RuntimeSampler reads heap usage from the Go runtime.
type RuntimeSampler struct {
	placeholders Placeholders
	startTime    time.Time
}

// NewRuntimeSampler creates a sampler reporting the given placeholders.
func NewRuntimeSampler(p Placeholders) *RuntimeSampler {
	return &RuntimeSampler{
		placeholders: p,
		startTime:    time.Now(),
	}
}

// Sample returns current heap usage plus placeholders.
func (s *RuntimeSampler) Sample() Resources {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Resources{
		MemoryUsageBytes:    m.HeapAlloc,
		CPUUsagePercent:     s.placeholders.CPUUsagePercent,
		BatteryDrainPercent: s.placeholders.BatteryDrainPercent,
		FPS:                 s.placeholders.FPS,
	}
}

// Process describes the running process.
type Process struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	Goroutines  int     `json:"goroutines"`
	NumGC       uint32  `json:"num_gc"`
	Uptime      string  `json:"uptime"`
}

// Process returns a summary of the running process.
func (s *RuntimeSampler) Process() Process {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Process{
		HeapAllocMB: bytesToMB(m.HeapAlloc),
		HeapSysMB:   bytesToMB(m.HeapSys),
		Goroutines:  runtime.NumGoroutine(),
		NumGC:       m.NumGC,
		Uptime:      time.Since(s.startTime).Round(time.Millisecond).String(),
	}
}

// Static always returns the same sample.
type Static Resources

// Sample returns r.
func (r Static) Sample() Resources {
	return Resources(r)
}

// bytesToMB converts bytes to megabytes.
func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
