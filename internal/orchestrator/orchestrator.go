// Package orchestrator drives a generation request end to end.
//
// For each request the Orchestrator selects a strategy, streams tokens from
// the chosen backend while enforcing the first-token deadline, records a
// telemetry sample for every attempt, and falls back from the device to the
// cloud once when the device attempt fails.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flynn-ai/edgeroute/internal/capability"
	"github.com/flynn-ai/edgeroute/internal/cost"
	"github.com/flynn-ai/edgeroute/internal/errors"
	"github.com/flynn-ai/edgeroute/internal/model"
	"github.com/flynn-ai/edgeroute/internal/policy"
	"github.com/flynn-ai/edgeroute/internal/stats"
	"github.com/flynn-ai/edgeroute/internal/strategy"
	"github.com/flynn-ai/edgeroute/internal/telemetry"
)

// Config wires an Orchestrator. Only Policy and Probe are required; a nil
// Device or Cloud means that path is not configured.
type Config struct {
	Policy policy.Policy
	Probe  capability.Probe
	Device model.DeviceModel
	Cloud  model.CloudModel

	// Sampler fills the resource fields of telemetry records.
	Sampler stats.Sampler

	// Sink receives every record in addition to the in-memory window.
	Sink telemetry.Sink

	// Telemetry is the rolling window. A fresh one is created when nil.
	Telemetry *telemetry.Aggregator

	// Usage tracks tokens per backend. A tracker without prices is created when nil.
	Usage *cost.Tracker

	Logger *zap.Logger
}

// Orchestrator routes requests between the device and cloud backends.
// It is safe for concurrent use.
type Orchestrator struct {
	policy    policy.Policy
	probe     capability.Probe
	device    model.DeviceModel
	cloud     model.CloudModel
	sampler   stats.Sampler
	sink      telemetry.Sink
	telemetry *telemetry.Aggregator
	usage     *cost.Tracker
	logger    *zap.Logger

	group singleflight.Group

	mu          sync.RWMutex
	capability  *capability.Model
	initialized bool
	deviceReady bool
}

// New creates an orchestrator. The policy must be valid.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.Configuration("orchestrator config is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Probe == nil {
		return nil, errors.Configuration("capability probe is required")
	}

	o := &Orchestrator{
		policy:    cfg.Policy,
		probe:     cfg.Probe,
		device:    cfg.Device,
		cloud:     cfg.Cloud,
		sampler:   cfg.Sampler,
		sink:      cfg.Sink,
		telemetry: cfg.Telemetry,
		usage:     cfg.Usage,
		logger:    cfg.Logger,
	}
	if o.sampler == nil {
		o.sampler = stats.NewRuntimeSampler(stats.DefaultPlaceholders())
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewAggregator()
	}
	if o.usage == nil {
		o.usage = cost.NewTracker(nil)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// Initialize evaluates device capability and, when the policy prefers the
// device and it has an accelerator, initializes the device backend. It runs
// at most once at a time; concurrent callers share the outcome.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.isInitialized() {
		return nil
	}

	_, err, _ := o.group.Do("initialize", func() (any, error) {
		if o.isInitialized() {
			return nil, nil
		}

		c := o.probe.Evaluate(ctx)
		o.mu.Lock()
		o.capability = &c
		o.mu.Unlock()

		if o.policy.PreferOnDevice && c.HasAccelerator && o.device != nil {
			if err := o.initDevice(ctx); err != nil {
				return nil, err
			}
		}

		o.mu.Lock()
		o.initialized = true
		o.mu.Unlock()

		o.logger.Info("initialized",
			zap.String("device_model", c.DeviceModel),
			zap.Stringer("tier", c.Tier()),
			zap.Float64("available_memory_gb", c.AvailableMemoryGB),
			zap.Bool("device_ready", o.isDeviceReady()),
			zap.Bool("cloud_available", o.cloudAvailable()),
		)
		return nil, nil
	})
	return err
}

// initDevice initializes the device backend once; concurrent callers share
// the attempt.
func (o *Orchestrator) initDevice(ctx context.Context) error {
	_, err, _ := o.group.Do("device", func() (any, error) {
		if o.isDeviceReady() {
			return nil, nil
		}
		if err := o.device.Initialize(ctx); err != nil {
			o.logger.Warn("device initialization failed", zap.String("backend", o.device.Name()), zap.Error(err))
			return nil, errors.ModelLoad(err, strategy.Device.String())
		}
		o.mu.Lock()
		o.deviceReady = true
		o.mu.Unlock()
		return nil, nil
	})
	return err
}

func (o *Orchestrator) isInitialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

func (o *Orchestrator) isDeviceReady() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deviceReady
}

func (o *Orchestrator) cloudAvailable() bool {
	return o.cloud != nil && o.cloud.IsAvailable()
}

// Generate returns a lazy token sequence for req. Each range over the
// sequence runs a fresh request. A terminal error is yielded once with an
// empty token, after which the sequence ends. Breaking out of the loop aborts
// the active backend.
func (o *Orchestrator) Generate(ctx context.Context, req *model.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()

		if err := req.Validate(); err != nil {
			yield("", err)
			return
		}

		if err := o.Initialize(ctx); err != nil {
			if errors.HasCode(err, errors.CodeModelLoad) {
				o.record(ctx, o.newRecord(strategy.Device, "", start).Failed(err))
			}
			yield("", err)
			return
		}

		c, _ := o.DeviceCapability()
		decision, err := strategy.Decide(o.policy, c, o.cloudAvailable())
		if err != nil {
			o.logger.Warn("strategy selection failed", zap.Error(err))
			yield("", err)
			return
		}
		o.logger.Debug("strategy selected",
			zap.Stringer("strategy", decision.Strategy),
			zap.String("reason", decision.Reason),
		)

		primary := o.attempt(ctx, decision.Strategy, start, req, yield)
		if primary.err == nil || primary.stopped {
			return
		}

		if decision.Strategy != strategy.Device || !o.policy.AllowCloudFallback || !o.cloudAvailable() {
			yield("", primary.err)
			return
		}

		o.logger.Info("falling back to cloud", zap.Error(primary.err))
		fallback := o.attempt(ctx, strategy.Cloud, time.Now(), req, yield)
		if fallback.err == nil || fallback.stopped {
			return
		}
		yield("", errors.CloudFallback(primary.err, fallback.err))
	}
}

// outcome is the result of one attempt. stopped means the consumer went
// away or the context ended, and nothing more may be yielded or retried.
type outcome struct {
	err     error
	stopped bool
}

// attempt streams req from one backend, forwarding tokens to yield.
func (o *Orchestrator) attempt(ctx context.Context, s strategy.Strategy, start time.Time, req *model.Request, yield func(string, error) bool) outcome {
	requestID := newRequestID()
	backend := o.backendName(s)
	rec := o.newRecord(s, requestID, start)

	fail := func(err error) outcome {
		o.logger.Warn("attempt failed",
			zap.Stringer("source", s),
			zap.String("backend", backend),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		o.record(ctx, rec.Failed(err))
		return outcome{err: err}
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tokens <-chan string
	var errs <-chan error
	switch s {
	case strategy.Device:
		if o.device == nil {
			return fail(errors.Generation(fmt.Errorf("no device backend configured"), s.String()))
		}
		if !o.isDeviceReady() {
			if err := o.initDevice(ctx); err != nil {
				return fail(err)
			}
		}
		tokens, errs = o.device.Generate(actx, requestID, req)
	case strategy.Cloud:
		if o.cloud == nil {
			return fail(errors.Configuration("no cloud backend configured"))
		}
		tokens, errs = o.cloud.Generate(actx, req)
	}

	abort := func() {
		cancel()
		if s == strategy.Device {
			o.device.Abort(requestID)
		}
		for range tokens {
		}
	}

	cancelled := func() outcome {
		abort()
		o.logger.Info("request cancelled", zap.String("request_id", requestID), zap.Stringer("source", s))
		o.record(ctx, rec.Failed(errCancelled))
		return outcome{err: errors.Cancelled(s.String()), stopped: true}
	}

	deadline := time.NewTimer(max(o.policy.MaxFirstToken-time.Since(start), 0))
	defer deadline.Stop()
	firstToken := deadline.C

	count := 0
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				var err error
				select {
				case err = <-errs:
				case <-ctx.Done():
				}
				if ctx.Err() != nil {
					out := cancelled()
					yield("", out.err)
					return out
				}
				if err != nil {
					return fail(errors.Generation(err, s.String()))
				}
				o.complete(ctx, rec, count)
				return outcome{}
			}

			if count == 0 {
				firstToken = nil
				latency := time.Since(start)
				rec.FirstTokenLatencyMs = uint32(latency.Milliseconds())
				if latency > o.policy.MaxFirstToken {
					abort()
					return fail(o.latencyViolation(s, latency))
				}
				o.logger.Debug("first token",
					zap.String("request_id", requestID),
					zap.Int64("latency_ms", latency.Milliseconds()),
				)
			}
			count++
			rec.TokensGenerated = count

			if !yield(tok, nil) {
				return cancelled()
			}

		case <-firstToken:
			abort()
			return fail(o.latencyViolation(s, time.Since(start)))

		case <-ctx.Done():
			out := cancelled()
			yield("", out.err)
			return out
		}
	}
}

// errCancelled is the message recorded for requests the consumer stopped.
var errCancelled = fmt.Errorf("cancelled")

func (o *Orchestrator) latencyViolation(s strategy.Strategy, latency time.Duration) error {
	err := errors.InsufficientCapability(fmt.Sprintf("first token after %dms exceeds %dms limit",
		latency.Milliseconds(), o.policy.MaxFirstToken.Milliseconds()))
	err.Context["backend"] = s.String()
	return err
}

// complete records a successful attempt. An empty completion reports the
// time until the stream ended as its first-token latency.
func (o *Orchestrator) complete(ctx context.Context, rec record, count int) {
	elapsed := time.Since(rec.start).Milliseconds()
	if elapsed > 0 {
		rec.TokensPerSecond = float64(count) * 1000 / float64(elapsed)
	}
	if count == 0 {
		rec.FirstTokenLatencyMs = uint32(elapsed)
	}
	rec.TokensGenerated = count

	o.record(ctx, rec.Record)
	o.usage.Record(rec.Backend, rec.Source == telemetry.SourceDevice, count)
	o.logger.Info("generation completed",
		zap.String("request_id", rec.RequestID),
		zap.String("backend", rec.Backend),
		zap.Int("tokens", count),
		zap.Float64("tokens_per_second", rec.TokensPerSecond),
	)
}

func (o *Orchestrator) backendName(s strategy.Strategy) string {
	switch {
	case s == strategy.Device && o.device != nil:
		return o.device.Name()
	case s == strategy.Cloud && o.cloud != nil:
		return o.cloud.Name()
	}
	return s.String()
}

// Stream drains Generate into w.
func (o *Orchestrator) Stream(ctx context.Context, req *model.Request, w io.Writer) (*Result, error) {
	start := time.Now()
	var text strings.Builder
	res := &Result{}

	for tok, err := range o.Generate(ctx, req) {
		if err != nil {
			res.Text = text.String()
			res.Duration = time.Since(start)
			return res, err
		}
		res.Tokens++
		text.WriteString(tok)
		if _, err := io.WriteString(w, tok); err != nil {
			res.Text = text.String()
			res.Duration = time.Since(start)
			return res, fmt.Errorf("write token: %w", err)
		}
	}

	res.Text = text.String()
	res.Duration = time.Since(start)
	return res, nil
}

// Result summarizes a streamed request.
type Result struct {
	Text     string
	Tokens   int
	Duration time.Duration
}

// Stats returns statistics over the whole telemetry window.
func (o *Orchestrator) Stats() telemetry.Stats {
	return o.telemetry.Stats()
}

// StatsWithin returns statistics over records newer than window.
func (o *Orchestrator) StatsWithin(window time.Duration) telemetry.Stats {
	return o.telemetry.StatsWithin(window)
}

// Samples returns a copy of the telemetry window.
func (o *Orchestrator) Samples() []telemetry.Record {
	return o.telemetry.Samples()
}

// DeviceCapability returns the cached capability, if evaluated.
func (o *Orchestrator) DeviceCapability() (capability.Model, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.capability == nil {
		return capability.Model{}, false
	}
	return *o.capability, true
}

// Usage returns token usage since the orchestrator was created.
func (o *Orchestrator) Usage() cost.Usage {
	return o.usage.Total()
}

// Policy returns the routing policy.
func (o *Orchestrator) Policy() policy.Policy {
	return o.policy
}

// Dispose releases the device backend, clears telemetry and resets
// initialization so the next request evaluates capability again.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	var err error
	if o.device != nil {
		err = o.device.Close()
	}

	o.mu.Lock()
	o.initialized = false
	o.deviceReady = false
	o.capability = nil
	o.mu.Unlock()

	o.telemetry.Clear()
	o.logger.Info("disposed")
	return err
}
