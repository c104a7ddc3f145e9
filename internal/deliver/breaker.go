package deliver

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state for one actor.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerHalfOpen BreakerState = 1
	BreakerOpen     BreakerState = 2
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

// ErrCircuitOpen is returned when an actor's circuit is open. The
// scheduler treats it as a retryable delivery error.
var ErrCircuitOpen = errors.New("deliver: circuit breaker is open")

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreaker returns the per-actor breaker defaults.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// breaker is a three-state circuit breaker guarding one actor.
type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	lastFailure      time.Time
	clock            func() time.Time
}

func newBreaker(cfg BreakerConfig, clock func() time.Time) *breaker {
	if clock == nil {
		clock = time.Now
	}
	return &breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		clock:            clock,
	}
}

// allow reports whether a delivery may proceed, transitioning to
// half-open once the reset timeout has elapsed.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.lastFailure) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
		}
	}
}

// current returns the state for observability.
func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
