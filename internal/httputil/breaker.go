package httputil

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
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

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// OnStateChange is invoked synchronously outside the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker fails fast while a collaborator is known to be down.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg   BreakerConfig
	state CircuitState
	now   func() time.Time

	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take defaults
// (5 failures, 1 success, 30s cooldown).
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from := cb.transition(CircuitHalfOpen)
		cb.mu.Unlock()
		cb.notify(from, CircuitHalfOpen)
		return nil
	}
	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			from := cb.transition(CircuitClosed)
			cb.mu.Unlock()
			cb.notify(from, CircuitClosed)
			return
		}
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) RecordFailure(error) {
	cb.mu.Lock()
	open := false
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		open = cb.failures >= cb.cfg.FailureThreshold
	case CircuitHalfOpen:
		open = true
	}
	if !open {
		cb.mu.Unlock()
		return
	}
	from := cb.transition(CircuitOpen)
	cb.mu.Unlock()
	cb.notify(from, CircuitOpen)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) CircuitState {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}
