package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/voice-agent/internal/observability"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the provider recovered
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards calls to one external provider
type CircuitBreaker struct {
	name         string
	maxFailures  int           // Consecutive failures before opening
	resetTimeout time.Duration // Time open before probing
	halfOpenMax  int           // Probe calls allowed while half-open

	mu             sync.Mutex
	state          CircuitState
	failures       int
	halfOpenActive int
	halfOpenOK     int
	openedAt       time.Time
	requests       int64
	failuresTotal  int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  1,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation by the caller is not counted as a provider failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.RecordResult(err == nil)
	return err
}

// Allow reports whether a request may proceed, reserving a probe slot
// when half-open. Callers that use Allow must report via RecordResult.
func (cb *CircuitBreaker) Allow() bool {
	return cb.allow()
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenActive = 1
		cb.halfOpenOK = 0
		return true
	case StateHalfOpen:
		if cb.halfOpenActive < cb.halfOpenMax {
			cb.halfOpenActive++
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
}

// RecordResult records the result of a request
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	if success {
		cb.recordSuccess()
		return
	}
	cb.recordFailure()
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenActive > 0 {
			cb.halfOpenActive--
		}
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.failures = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failuresTotal++
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.halfOpenActive = 0
	cb.halfOpenOK = 0
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(state CircuitState) {
	cb.state = state
	observability.UpdateCircuitBreakerState(cb.name, int(state))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns request and failure totals
func (cb *CircuitBreaker) Stats() (requests, failures int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.requests, cb.failuresTotal
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenActive = 0
	cb.halfOpenOK = 0
	cb.setState(StateClosed)
}
