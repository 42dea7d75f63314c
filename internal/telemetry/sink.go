package telemetry

import (
	"context"
	"errors"
)

// Sink receives every record appended by the orchestrator.
type Sink interface {
	Record(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Record delivers r to every sink, even if an earlier one fails.
func (m MultiSink) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
