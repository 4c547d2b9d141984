// Package clients holds resilience helpers for outbound calls to payment
// gateways and other third-party APIs.
package clients

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"gatewaycredits/pkg/logging"
)

// BreakerState is the observable state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker around an outbound dependency.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// OpenTimeout is how long the circuit stays open before a probe request
	// is allowed through. Default: 30 seconds.
	OpenTimeout time.Duration

	// FailureRatio is the failure fraction at which the circuit trips.
	// Default: 0.5.
	FailureRatio float64

	// MinRequests is the sample size required before the ratio is evaluated.
	// Default: 5.
	MinRequests uint

	// SuccessesToClose is the number of probe successes needed in half-open
	// state before the circuit closes again. Default: 1.
	SuccessesToClose uint

	Logger logging.Logger
}

// Breaker guards an outbound dependency. When the dependency fails
// persistently the breaker opens and calls fail fast until the open timeout
// elapses.
type Breaker struct {
	cb     circuitbreaker.CircuitBreaker[any]
	name   string
	logger logging.Logger
}

// NewBreaker creates a circuit breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.SuccessesToClose == 0 {
		cfg.SuccessesToClose = 1
	}

	failureThreshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(failureThreshold, cfg.MinRequests).
		WithDelay(cfg.OpenTimeout).
		WithSuccessThreshold(cfg.SuccessesToClose)

	if cfg.Logger != nil {
		logger := cfg.Logger
		name := cfg.Name
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"breaker":    name,
				"from_state": convertBreakerState(event.OldState).String(),
				"to_state":   convertBreakerState(event.NewState).String(),
			}).Warn("Circuit breaker state change")
		})
	}

	return &Breaker{
		cb:     builder.Build(),
		name:   cfg.Name,
		logger: cfg.Logger,
	}
}

func convertBreakerState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return BreakerClosed
	case circuitbreaker.HalfOpenState:
		return BreakerHalfOpen
	case circuitbreaker.OpenState:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}

// Call executes fn through the circuit breaker. When the circuit is open the
// call fails immediately with circuitbreaker.ErrOpen.
func (b *Breaker) Call(fn func() error) error {
	_, err := failsafe.With(b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return convertBreakerState(b.cb.State())
}

// IsOpen reports whether the circuit is currently open.
func (b *Breaker) IsOpen() bool {
	return b.cb.IsOpen()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}
