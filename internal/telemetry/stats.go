package telemetry

// Stats are aggregate statistics derived from a set of records. Rates are
// percentages over all records; averages cover successful records only.
type Stats struct {
	TotalSamples      int `json:"total_samples"`
	SuccessfulSamples int `json:"successful_samples"`
	DeviceCount       int `json:"device_count"`
	CloudCount        int `json:"cloud_count"`
	HybridCount       int `json:"hybrid_count"`

	SuccessRate     float64 `json:"success_rate"`
	DeviceUsageRate float64 `json:"device_usage_rate"`
	CloudUsageRate  float64 `json:"cloud_usage_rate"`

	AvgFirstTokenLatencyMs float64 `json:"avg_first_token_latency_ms"`
	AvgTokensPerSecond     float64 `json:"avg_tokens_per_second"`
	AvgMemoryUsageMB       float64 `json:"avg_memory_usage_mb"`
	AvgFPS                 float64 `json:"avg_fps"`
	AvgCPUUsage            float64 `json:"avg_cpu_usage"`
	AvgBatteryDrain        float64 `json:"avg_battery_drain"`
}

// Compute derives statistics from records. An empty set yields the zero value.
func Compute(records []Record) Stats {
	var s Stats
	if len(records) == 0 {
		return s
	}

	var latency, tps, memMB, fps, cpu, battery float64
	for _, r := range records {
		s.TotalSamples++
		switch r.Source {
		case SourceDevice:
			s.DeviceCount++
		case SourceCloud:
			s.CloudCount++
		case SourceHybrid:
			s.HybridCount++
		}

		if !r.IsSuccess() {
			continue
		}
		s.SuccessfulSamples++
		latency += float64(r.FirstTokenLatencyMs)
		tps += r.TokensPerSecond
		memMB += bytesToMB(r.MemoryUsageBytes)
		fps += r.FPS
		cpu += r.CPUUsagePercent
		battery += r.BatteryDrainPercent
	}

	total := float64(s.TotalSamples)
	s.SuccessRate = float64(s.SuccessfulSamples) / total * 100
	s.DeviceUsageRate = float64(s.DeviceCount) / total * 100
	s.CloudUsageRate = float64(s.CloudCount) / total * 100

	if n := float64(s.SuccessfulSamples); n > 0 {
		s.AvgFirstTokenLatencyMs = latency / n
		s.AvgTokensPerSecond = tps / n
		s.AvgMemoryUsageMB = memMB / n
		s.AvgFPS = fps / n
		s.AvgCPUUsage = cpu / n
		s.AvgBatteryDrain = battery / n
	}
	return s
}

func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
