package remote

import (
	"sync"
	"time"
)

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker stops calling a destination after threshold consecutive
// failures, and lets a single trial request through once resetTimeout elapsed.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: timeout,
		state:        stateClosed,
		now:          now,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one trial request at a time
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakers holds one circuit breaker per destination instance.
type breakers struct {
	mu        sync.Mutex
	byTarget  map[string]*circuitBreaker
	threshold int
	reset     time.Duration
	now       func() time.Time
}

func (b *breakers) get(instance string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byTarget[instance]
	if !ok {
		cb = newCircuitBreaker(b.threshold, b.reset, b.now)
		b.byTarget[instance] = cb
	}
	return cb
}
