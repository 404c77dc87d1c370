package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/metrics"
)

func failing(_ context.Context) error { return errors.New("scorer down") }
func passing(_ context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("scorer:test", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitClosed, cb.State())
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(_ context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("scorer:test", CircuitBreakerConfig{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, passing)
	_ = cb.Execute(ctx, failing)

	n, state := cb.Counters()
	assert.Equal(t, 1, n)
	assert.Equal(t, CircuitClosed, state)
}

func TestCircuitBreaker_HalfOpenTrialCall(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker("scorer:llm", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// A failed trial call reopens.
	_ = cb.Execute(ctx, failing)
	_, state := cb.Counters()
	assert.Equal(t, CircuitOpen, state)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker("sink:webhook", SinkCircuitBreakerConfig())
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("webhook: status 400")
	})
	n, state := cb.Counters()
	assert.Zero(t, n, "a rejected payload is not an outage")
	assert.Equal(t, CircuitClosed, state)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewTransientError(errors.New("bad gateway"), 502)
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker("scorer:test", CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), failing)
			} else {
				_ = cb.Execute(context.Background(), passing)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("scorer:heuristic", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (float64, error) {
		return 0.7, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, v, 1e-12)

	_ = cb.Execute(context.Background(), failing)
	v, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (float64, error) {
		return 0.7, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "scorer:heuristic")
	assert.Zero(t, v)
}

func TestCircuitBreaker_ExportsStatePerDependency(t *testing.T) {
	scorer := NewCircuitBreaker("scorer:gauge", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	sink := NewCircuitBreaker("sink:gauge", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	assert.Equal(t, "scorer:gauge", scorer.Dependency())

	_ = scorer.Execute(context.Background(), failing)
	assert.Equal(t, float64(CircuitOpen), testutil.ToFloat64(metrics.CircuitState.WithLabelValues("scorer:gauge")))
	assert.Equal(t, float64(CircuitClosed), testutil.ToFloat64(metrics.CircuitState.WithLabelValues(sink.Dependency())))

	scorer.Reset()
	assert.Equal(t, float64(CircuitClosed), testutil.ToFloat64(metrics.CircuitState.WithLabelValues("scorer:gauge")))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
