// Package telemetry keeps a bounded rolling window of per-request outcomes
// and derives aggregate performance statistics from it.
package telemetry

import (
	"fmt"
	"time"
)

// Source identifies which path produced a record.
type Source int

const (
	SourceDevice Source = iota
	SourceCloud
	SourceHybrid
)

// String returns the lowercase source name.
func (s Source) String() string {
	switch s {
	case SourceDevice:
		return "device"
	case SourceCloud:
		return "cloud"
	case SourceHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseSource parses a lowercase source name.
func ParseSource(s string) (Source, error) {
	switch s {
	case "device":
		return SourceDevice, nil
	case "cloud":
		return SourceCloud, nil
	case "hybrid":
		return SourceHybrid, nil
	default:
		return 0, fmt.Errorf("unknown telemetry source %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	if s < SourceDevice || s > SourceHybrid {
		return nil, fmt.Errorf("invalid telemetry source %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Performance targets a record is measured against.
const (
	TargetFirstTokenLatencyMs = 300
	TargetTokensPerSecond     = 10.0
	TargetFPS                 = 30.0
)

// Record is the outcome of one completed or failed request.
type Record struct {
	Timestamp           time.Time `json:"timestamp"`
	Source              Source    `json:"source"`
	RequestID           string    `json:"request_id,omitempty"`
	Backend             string    `json:"backend,omitempty"`
	FirstTokenLatencyMs uint32    `json:"first_token_latency_ms"`
	TokensPerSecond     float64   `json:"tokens_per_second"`
	TokensGenerated     int       `json:"tokens_generated"`
	MemoryUsageBytes    uint64    `json:"memory_usage_bytes"`
	BatteryDrainPercent float64   `json:"battery_drain_percent"`
	CPUUsagePercent     float64   `json:"cpu_usage_percent"`
	FPS                 float64   `json:"fps"`
	ErrorMessage        *string   `json:"error_message,omitempty"`
}

// IsSuccess reports whether the request completed without error.
func (r Record) IsSuccess() bool {
	return r.ErrorMessage == nil
}

// MeetsPerformanceTargets reports whether the request was fast enough.
func (r Record) MeetsPerformanceTargets() bool {
	return r.FirstTokenLatencyMs <= TargetFirstTokenLatencyMs &&
		r.TokensPerSecond >= TargetTokensPerSecond &&
		r.FPS >= TargetFPS
}

// Failed returns a copy of r carrying the error message of err.
func (r Record) Failed(err error) Record {
	msg := err.Error()
	r.ErrorMessage = &msg
	return r
}
