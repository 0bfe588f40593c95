package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("gpt-4o-mini")

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("m")

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("m")
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	cb.mu.Lock()
	cb.lastFailure = time.Now().Add(-cb.recoveryTimeout - time.Second)
	cb.mu.Unlock()

	assert.True(t, cb.Allow(), "expired open breaker lets the probe through")
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("m")
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.mu.Lock()
	cb.lastFailure = time.Now().Add(-cb.recoveryTimeout - time.Second)
	cb.mu.Unlock()
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessfulProbeCloses(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("m")
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.mu.Lock()
	cb.lastFailure = time.Now().Add(-cb.recoveryTimeout - time.Second)
	cb.mu.Unlock()
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerSet_OneBreakerPerModel(t *testing.T) {
	t.Parallel()
	set := NewBreakerSet()

	a := set.For("model-a")
	b := set.For("model-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, set.For("model-a"))

	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}
	assert.False(t, a.Allow())
	assert.True(t, b.Allow(), "one model tripping must not affect another")
}
