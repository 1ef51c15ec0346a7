package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one breaker per backend name.
type Registry struct {
	mutex       sync.RWMutex
	breakers    map[string]*CircuitBreaker
	maxFails    int
	failTimeout time.Duration
	now         func() time.Time
}

func NewRegistry(maxFails int, failTimeout time.Duration) *Registry {
	return &Registry{
		breakers:    make(map[string]*CircuitBreaker),
		maxFails:    maxFails,
		failTimeout: failTimeout,
		now:         time.Now,
	}
}

// SetClock sets the time source for breakers created from now on.
func (r *Registry) SetClock(now func() time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.now = now
}

func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.maxFails, r.failTimeout)
	cb.now = r.now
	r.breakers[name] = cb
	return cb
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.State()
	}
	return stats
}
