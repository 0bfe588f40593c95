package ai

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
)

// CircuitState is the state of one model's breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the recovery timeout passes.
	CircuitOpen
	// CircuitHalfOpen lets probe requests through to test recovery.
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

// CircuitBreaker trips per model after consecutive failures so a broken
// model stops burning retry budget for every caller.
type CircuitBreaker struct {
	mu               sync.Mutex
	model            string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failures         int
	lastFailure      time.Time
}

// NewCircuitBreaker constructs a closed breaker for one model.
func NewCircuitBreaker(model string) *CircuitBreaker {
	return &CircuitBreaker{
		model:            model,
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
	}
}

// Allow reports whether a request may proceed, moving an expired open
// breaker to half-open for the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.recoveryTimeout {
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != CircuitClosed {
		slog.Info("circuit breaker closed after recovery", slog.String("model", cb.model))
		cb.setState(CircuitClosed)
	}
}

// RecordFailure counts one failure and opens the breaker at the threshold.
// A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != CircuitOpen {
			slog.Warn("circuit breaker opened",
				slog.String("model", cb.model),
				slog.Int("consecutive_failures", cb.failures))
		}
		cb.setState(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.RecordCircuitBreakerStatus(cb.model, int(s))
}

// BreakerSet hands out one breaker per model.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet constructs an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for model, creating it on first use.
func (s *BreakerSet) For(model string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[model]; ok {
		return cb
	}
	cb := NewCircuitBreaker(model)
	s.breakers[model] = cb
	return cb
}
