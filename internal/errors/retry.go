package errors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// ============================================================
// Retry
// ============================================================

// Policy defines retry behavior for opening a backend stream.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier grows the delay after each failed attempt
	Multiplier float64

	// Jitter adds up to 10% random delay
	Jitter bool

	// RetryIf reports whether err is worth another attempt. Nil retries everything.
	RetryIf func(error) bool
}

// DefaultPolicy retries retryable errors three times with exponential backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      IsRetryable,
	}
}

// DoWithResult calls fn until it succeeds, the policy gives up, or ctx ends.
// A server-provided Retry-After longer than the current backoff is honored.
func DoWithResult[T any](ctx context.Context, policy *Policy, fn func() (T, error)) (T, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}

	var zero T
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt < max(policy.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			if after := GetRetryAfter(lastErr); after > delay {
				delay = after
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry canceled: %w", err)
			}
			delay = policy.next(delay)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if policy.RetryIf != nil && !policy.RetryIf(err) {
			return zero, err
		}
	}

	if policy.MaxAttempts <= 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *Policy) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * p.Multiplier)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += rand.N(delay/10 + 1)
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================
// Circuit Breaker
// ============================================================

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing whether the backend recovered
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout time.Duration

	// HalfOpenAttempts is how many probes are let through while half-open
	HalfOpenAttempts int
}

// CircuitBreaker stops calls to a backend that keeps failing. Calls that
// fail only because the caller cancelled do not count.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker creates a closed breaker. A nil config uses 5 failures,
// a 60s reset timeout and 2 half-open probes.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	cfg := CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 60 * time.Second, HalfOpenAttempts: 2}
	if config != nil {
		cfg = *config
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Guard runs fn through cb. When cb is open fn is not called and a
// permanent CodeModelUnavailable error naming the backend is returned.
func Guard[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allow() {
		return zero, NewBuilder(CodeModelUnavailable, fmt.Sprintf("circuit breaker '%s' is open", cb.name)).
			Permanent().
			WithContext("backend", cb.name).
			WithSuggestion("The backend failed repeatedly; it will be retried after " + cb.cfg.ResetTimeout.String()).
			Build()
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenAttempts {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.failures = 0
		cb.state = StateClosed
	case errors.Is(err, context.Canceled):
		if cb.state == StateHalfOpen {
			cb.probes--
		}
	default:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
