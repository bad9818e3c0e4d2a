package sqlite

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements a 3-state circuit breaker for the coordination
// database. States: CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (probing)
// -> CLOSED. Only infrastructure errors count as failures; a deregistered
// party or a reservation conflict is an answer, not an outage.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing
	isFailure    func(error) bool
	logger       *slog.Logger
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and reset timeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
		isFailure:    IsInfraError,
		logger:       slog.Default().With("component", "circuit_breaker"),
	}
}

// WithLogger sets the logger used for state transitions.
func (cb *CircuitBreaker) WithLogger(logger *slog.Logger) *CircuitBreaker {
	cb.logger = logger.With("component", "circuit_breaker")
	return cb
}

// IsInfraError reports whether err should count against the breaker.
func IsInfraError(err error) bool {
	if err == nil {
		return false
	}
	var conflict *core.ConflictError
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrDeregistered),
		errors.Is(err, core.ErrInvalidInput),
		errors.As(err, &conflict):
		return false
	}
	return true
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		if cb.isFailure(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.transition(StateOpen, err)
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.mu.Unlock()
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) >= cb.resetTimeout {
			// One probe per reset cycle.
			cb.transition(StateHalfOpen, nil)
			cb.mu.Unlock()
			err := fn()
			cb.mu.Lock()
			if cb.isFailure(err) {
				cb.transition(StateOpen, err)
				cb.lastFailure = cb.nowFunc()
			} else {
				cb.transition(StateClosed, nil)
				cb.failures = 0
			}
			cb.mu.Unlock()
			return err
		}
		cb.mu.Unlock()
		return ErrCircuitOpen

	default:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

// transition changes state; caller holds cb.mu.
func (cb *CircuitBreaker) transition(to BreakerState, cause error) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cause != nil {
		cb.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String(), "error", cause)
		return
	}
	cb.logger.Info("circuit breaker state change", "from", from.String(), "to", to.String())
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
