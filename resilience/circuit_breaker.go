// Package resilience provides fault-tolerance primitives for the
// orchestration core: a circuit breaker protecting storage and adapter
// calls, and a retry helper with exponential backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/telemetry"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures before
	// opening. Default: 5
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open.
	// Default: 30s
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed in
	// half-open state. Default: 3
	HalfOpenRequests int

	// Logger for state-change events
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns production-ready defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker implements core.CircuitBreaker with a consecutive-failure
// threshold and a half-open recovery probe.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger core.Logger

	mu               sync.Mutex
	state            CircuitState
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
	openedAt         time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}

	return &CircuitBreaker{
		config: *config,
		logger: config.Logger,
		state:  StateClosed,
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		telemetry.Counter("jobriver.circuit.rejected", "name", cb.config.Name)
		return core.ErrCircuitBreakerOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute returns true if the breaker would allow execution.
// An open breaker whose sleep window elapsed moves to half-open.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenRequests {
			cb.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful call into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
			cb.transition(StateClosed)
			cb.failures = 0
		}
	}
}

// RecordFailure feeds a failed call into the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		// Any failure while probing sends the breaker back to open
		cb.transition(StateOpen)
		cb.openedAt = time.Now()
	}
}

// GetState returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset manually closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
}

// transition changes state; caller holds cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to != StateHalfOpen {
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	}

	telemetry.Counter("jobriver.circuit.state_change",
		"name", cb.config.Name,
		"from", from.String(),
		"to", to.String(),
	)

	if cb.logger != nil {
		cb.logger.Warn("Circuit breaker state change", map[string]interface{}{
			"name": cb.config.Name,
			"from": from.String(),
			"to":   to.String(),
		})
	}
}
