package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking attempts
	StateHalfOpen              // One probe attempt in flight
)

// CircuitBreaker counts failed attempts against one backend. maxFails
// failures within failTimeout open it; after failTimeout a single probe is
// let through and its outcome closes or reopens it. maxFails of zero
// disables the breaker.
type CircuitBreaker struct {
	mutex       sync.Mutex
	state       State
	failures    int
	firstFail   time.Time
	lastFailure time.Time
	probing     bool

	maxFails    int
	failTimeout time.Duration
	now         func() time.Time
}

func NewCircuitBreaker(maxFails int, failTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:       StateClosed,
		maxFails:    maxFails,
		failTimeout: failTimeout,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.now = now
}

// Allow reports whether an attempt may go to the backend. In the half-open
// state only the first caller gets through until the probe is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.maxFails == 0 {
		return true
	}

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.failTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.maxFails == 0 {
		return
	}

	now := cb.now()
	cb.lastFailure = now
	cb.probing = false

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		return
	}

	if cb.failures == 0 || now.Sub(cb.firstFail) >= cb.failTimeout {
		cb.failures = 0
		cb.firstFail = now
	}
	cb.failures++

	if cb.failures >= cb.maxFails {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.state = StateClosed
}

// Release gives back a half-open probe whose attempt never reached the
// backend, so the next caller may probe instead.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
