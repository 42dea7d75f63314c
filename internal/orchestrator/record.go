package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flynn-ai/edgeroute/internal/strategy"
	"github.com/flynn-ai/edgeroute/internal/telemetry"
)

// record is a telemetry record under construction for one attempt.
type record struct {
	telemetry.Record
	start time.Time
}

func newRequestID() string {
	return "req_" + uuid.NewString()
}

func (o *Orchestrator) newRecord(s strategy.Strategy, requestID string, start time.Time) record {
	source := telemetry.SourceDevice
	if s == strategy.Cloud {
		source = telemetry.SourceCloud
	}
	return record{
		Record: telemetry.Record{
			Source:    source,
			RequestID: requestID,
			Backend:   o.backendName(s),
		},
		start: start,
	}
}

// record stamps r with the current time and resources, appends it to the
// window and forwards it to the sink. Sink failures are logged, not returned.
func (o *Orchestrator) record(ctx context.Context, r telemetry.Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	res := o.sampler.Sample()
	r.MemoryUsageBytes = res.MemoryUsageBytes
	r.CPUUsagePercent = res.CPUUsagePercent
	r.BatteryDrainPercent = res.BatteryDrainPercent
	r.FPS = res.FPS

	o.telemetry.AddSample(r)

	if o.sink == nil {
		return
	}
	if err := o.sink.Record(context.WithoutCancel(ctx), r); err != nil {
		o.logger.Warn("telemetry sink failed", zap.String("request_id", r.RequestID), zap.Error(err))
	}
}
