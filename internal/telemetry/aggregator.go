package telemetry

import (
	"context"
	"sync"
	"time"
)

// MaxSamples is the size of the rolling window.
const MaxSamples = 100

// Aggregator holds the most recent MaxSamples records. It is safe for
// concurrent use.
type Aggregator struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	full bool

	now func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		buf: make([]Record, MaxSamples),
		now: time.Now,
	}
}

// AddSample appends r, evicting the oldest record when the window is full.
func (a *Aggregator) AddSample(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf[a.next] = r
	a.next++
	if a.next >= len(a.buf) {
		a.next = 0
		a.full = true
	}
}

// Record implements Sink.
func (a *Aggregator) Record(_ context.Context, r Record) error {
	a.AddSample(r)
	return nil
}

// Samples returns a copy of the window, oldest first.
func (a *Aggregator) Samples() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot()
}

// snapshot copies the window; callers hold the lock.
func (a *Aggregator) snapshot() []Record {
	if !a.full {
		return append([]Record(nil), a.buf[:a.next]...)
	}
	out := make([]Record, 0, len(a.buf))
	out = append(out, a.buf[a.next:]...)
	return append(out, a.buf[:a.next]...)
}

// Len returns the number of records in the window.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.full {
		return len(a.buf)
	}
	return a.next
}

// Clear empties the window.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.buf)
	a.next = 0
	a.full = false
}

// Stats computes statistics over every record in the window.
func (a *Aggregator) Stats() Stats {
	return Compute(a.Samples())
}

// StatsWithin computes statistics over records newer than now-window.
// A non-positive window covers every record.
func (a *Aggregator) StatsWithin(window time.Duration) Stats {
	samples := a.Samples()
	if window <= 0 {
		return Compute(samples)
	}

	cutoff := a.now().Add(-window)
	filtered := samples[:0]
	for _, r := range samples {
		if r.Timestamp.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	return Compute(filtered)
}
