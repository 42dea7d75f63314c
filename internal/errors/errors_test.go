package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingErrorCodes(t *testing.T) {
	assert.Equal(t, CodeConfiguration, GetCode(Configuration("no viable inference path")))
	assert.Equal(t, CodeInsufficientCapability, GetCode(InsufficientCapability("slow")))
	assert.Equal(t, CodeModelLoad, GetCode(ModelLoad(stderrors.New("boom"), "device")))
	assert.Equal(t, CodeGeneration, GetCode(Generation(stderrors.New("boom"), "cloud")))
	assert.Equal(t, CodeCancelled, GetCode(Cancelled("device")))
	assert.Equal(t, "", GetCode(stderrors.New("plain")))
}

func TestConfigurationIsNotRetryable(t *testing.T) {
	err := Configuration("no viable inference path")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, CategorySystem, GetCategory(err))
	assert.Contains(t, err.Error(), "no viable inference path")
}

func TestCloudFallbackCarriesBothMessages(t *testing.T) {
	deviceErr := Generation(stderrors.New("token 3 exploded"), "device")
	cloudErr := stderrors.New("503 from provider")

	err := CloudFallback(deviceErr, cloudErr)

	assert.Equal(t, CodeCloudFallback, err.Code)
	assert.Contains(t, err.Error(), "token 3 exploded")
	assert.Contains(t, err.Error(), "503 from provider")
	assert.True(t, stderrors.Is(err, cloudErr))
	assert.True(t, stderrors.Is(err, deviceErr))
	assert.Equal(t, "cloud", err.Backend())
	assert.Equal(t, cloudErr.Error(), err.Context["fallback_error"])
}

func TestHasCodeWalksWrapChain(t *testing.T) {
	inner := InsufficientCapability("first token took 900ms")
	outer := Wrap(inner, CodeGeneration, "device generation failed", CategoryTemporary)

	assert.True(t, HasCode(outer, CodeGeneration))
	assert.True(t, HasCode(outer, CodeInsufficientCapability))
	assert.False(t, HasCode(outer, CodeConfiguration))
	assert.False(t, HasCode(nil, CodeConfiguration))
}

func TestFormatUserMessageIncludesSuggestions(t *testing.T) {
	msg := FormatUserMessage(Configuration("no viable inference path"))
	assert.Contains(t, msg, "Suggestions:")
	assert.Contains(t, msg, "cloud provider")
}

func fastPolicy() *Policy {
	return &Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, RetryIf: IsRetryable}
}

func TestDoWithResultRetriesTemporaryErrors(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastPolicy(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", Temporary(CodeNetworkUnavailable, "flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoWithResultGivesUp(t *testing.T) {
	calls := 0
	_, err := DoWithResult(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, Temporary(CodeNetworkUnavailable, "flaky")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorContains(t, err, "max retries exceeded")
	assert.True(t, HasCode(err, CodeNetworkUnavailable))
}

func TestDoWithResultStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := DoWithResult(context.Background(), DefaultPolicy(), func() (int, error) {
		calls++
		return 0, Permanent(CodeModelInvalidResponse, "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, HasCode(err, CodeModelInvalidResponse))
}

func TestDoWithResultHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := &Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, RetryIf: IsRetryable}
	_, err := DoWithResult(ctx, policy, func() (int, error) {
		return 0, Temporary(CodeNetworkUnavailable, "flaky")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(maxFailures, probes int) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("openai", &CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Minute, HalfOpenAttempts: probes})
	cb.now = c.now
	return cb, c
}

func succeed() (int, error) { return 1, nil }

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := newBreaker(2, 1)
	fail := stderrors.New("down")

	for range 2 {
		_, err := Guard(cb, func() (int, error) { return 0, fail })
		assert.Equal(t, fail, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	_, err := Guard(cb, func() (int, error) { called = true; return 1, nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, HasCode(err, CodeModelUnavailable))
	assert.Equal(t, "openai", err.(*AppError).Backend())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newBreaker(2, 1)
	fail := func() (int, error) { return 0, stderrors.New("down") }

	_, _ = Guard(cb, fail)
	_, _ = Guard(cb, succeed)
	_, _ = Guard(cb, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	cb, clk := newBreaker(1, 1)
	_, _ = Guard(cb, func() (int, error) { return 0, stderrors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	clk.advance(30 * time.Second)
	_, err := Guard(cb, succeed)
	require.Error(t, err)

	clk.advance(31 * time.Second)
	_, err = Guard(cb, func() (int, error) { return 0, stderrors.New("still down") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	clk.advance(time.Minute)
	got, err := Guard(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb, _ := newBreaker(1, 1)

	_, err := Guard(cb, func() (int, error) {
		return 0, fmt.Errorf("retry canceled: %w", context.Canceled)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}
