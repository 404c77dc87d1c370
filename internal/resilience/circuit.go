// Package resilience guards calls to the scoring model and the lead sinks:
// bounded retries with per-attempt timeouts, a circuit breaker per
// dependency, and the retry-queue entry used when a model stays unavailable.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/metrics"
)

// CircuitState is the state of one dependency's breaker.
type CircuitState int

const (
	// CircuitClosed passes every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast until ResetTimeout elapses. Scoring
	// events fail as unavailable and go to the retry queue.
	CircuitOpen
	// CircuitHalfOpen lets trial calls through to see if the dependency
	// is back.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the dependency while its
// breaker is open. It is not transient, so Do does not retry it.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig tunes a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before trial calls.
	ResetTimeout time.Duration
	// RecoveryCalls is how many trial calls must succeed before the
	// circuit closes again.
	RecoveryCalls int
	// ShouldTrip decides which errors count as failures. Nil counts every
	// error.
	ShouldTrip func(err error) bool
	// OnStateChange observes transitions, after they are logged.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig opens after five straight scorer failures and
// tries again after 30 seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		RecoveryCalls:    1,
	}
}

// SinkCircuitBreakerConfig trips only on transient failures, so one
// rejected lead payload does not cut a CRM off from the next alert.
func SinkCircuitBreakerConfig() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.ResetTimeout = time.Minute
	cfg.ShouldTrip = IsTransient
	return cfg
}

// CircuitBreaker tracks consecutive failures of one named dependency, such
// as "scorer:llm" or "sink:slack". Its state is exported as the
// circuit_state gauge under the dependency label.
type CircuitBreaker struct {
	dependency string
	cfg        CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	recovered           int

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for dependency.
func NewCircuitBreaker(dependency string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.RecoveryCalls <= 0 {
		cfg.RecoveryCalls = 1
	}
	metrics.CircuitState.WithLabelValues(dependency).Set(float64(CircuitClosed))
	return &CircuitBreaker{
		dependency: dependency,
		cfg:        cfg,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Dependency names what the breaker guards.
func (cb *CircuitBreaker) Dependency() string { return cb.dependency }

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, eris.Wrapf(err, "%s", cb.dependency)
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the state a call made now would see.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed, e.g. after an operator fixes a sink.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.recovered = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the consecutive failure count and the stored state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if !cb.cooledDown() {
		return ErrCircuitOpen
	}
	cb.transition(CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trips := err != nil
	if trips && cb.cfg.ShouldTrip != nil {
		trips = cb.cfg.ShouldTrip(err)
	}

	if !trips {
		switch cb.state {
		case CircuitHalfOpen:
			cb.recovered++
			if cb.recovered >= cb.cfg.RecoveryCalls {
				cb.consecutiveFailures = 0
				cb.recovered = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed trial call reopens for a full ResetTimeout.
		cb.openedAt = cb.now()
		cb.recovered = 0
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	metrics.CircuitState.WithLabelValues(cb.dependency).Set(float64(to))

	log := zap.L().With(
		zap.String("dependency", cb.dependency),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if to == CircuitOpen {
		log.Warn("circuit opened", zap.Int("consecutive_failures", cb.consecutiveFailures))
	} else {
		log.Info("circuit state changed")
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
