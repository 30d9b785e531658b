package httputil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         10 * time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure(errors.New("x"))
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure(errors.New("x"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(11 * time.Second)
	assert.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	cb.now = func() time.Time { return now }

	cb.RecordFailure(nil)
	now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Allow())
	cb.RecordFailure(nil)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2})
	cb.RecordFailure(nil)
	cb.RecordSuccess()
	cb.RecordFailure(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}
