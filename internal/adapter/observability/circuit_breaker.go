package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit breaker is closed and requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the circuit breaker is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit breaker is half-open and testing requests.
	StateHalfOpen
)

// CircuitBreaker guards a downstream dependency against repeated failures.
// The lock is never held across the guarded call, so slow calls do not
// serialize concurrent callers.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int

	mu           sync.RWMutex
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	successCount int
	probes       int
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes again once timeout has passed.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3,
	}
}

// Call executes fn under breaker protection. When the breaker is open the
// call is rejected without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.probes = 0
	}

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// Admit a bounded number of probes per half-open episode.
		if cb.probes < cb.halfOpenMax {
			cb.probes++
			return nil
		}
	}
	RecordCircuitBreakerStatus(cb.name, int(cb.state))
	return fmt.Errorf("circuit breaker %s is %s", cb.name, cb.stateString())
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		// Any failed probe reopens; in closed, open only past the limit.
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.probes = 0
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.halfOpenMax {
				cb.state = StateClosed
				cb.successCount = 0
				cb.failures = 0
				cb.probes = 0
			}
		}
	}
	RecordCircuitBreakerStatus(cb.name, int(cb.state))
}

func (cb *CircuitBreaker) stateString() string {
	switch cb.state {
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

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetFailures returns the current failure count.
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.probes = 0
}

// IsOpen returns true if the circuit breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}
