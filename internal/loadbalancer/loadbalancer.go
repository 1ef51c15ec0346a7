package loadbalancer

import (
	"sync"
	"time"

	"github.com/angeloszaimis/evproxy/internal/backend"
	"github.com/angeloszaimis/evproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/evproxy/internal/metrics"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/strategy"
)

// Reporter receives backend selection events.
type Reporter interface {
	Emit(metrics.MetricEvent)
}

// LoadBalancer is the peer selection policy. It hands the strategy only
// backends that are healthy, not yet tried by the request and not held back
// by their circuit breaker, and feeds attempt outcomes back into the breaker
// and the backend's response time average.
type LoadBalancer struct {
	backends []*backend.Backend
	strategy strategy.Strategy
	breakers *circuitbreaker.Registry
	maxTries int
	reporter Reporter
	now      func() time.Time
	mutex    sync.Mutex
}

// request is the per-request state kept in peer.Conn.Data.
type request struct {
	tried   map[*backend.Backend]bool
	current *backend.Backend
	started time.Time
}

// NewLoadBalancer builds the policy. maxTries caps the attempts per request;
// zero allows one per backend. breakers may be nil.
func NewLoadBalancer(backends []*backend.Backend, strat strategy.Strategy, breakers *circuitbreaker.Registry, maxTries int) *LoadBalancer {
	return &LoadBalancer{
		backends: backends,
		strategy: strat,
		breakers: breakers,
		maxTries: maxTries,
		now:      time.Now,
	}
}

// SetReporter installs the destination of selection events.
func (lb *LoadBalancer) SetReporter(r Reporter) {
	lb.reporter = r
}

// SetClock replaces the time source used to measure attempts.
func (lb *LoadBalancer) SetClock(now func() time.Time) {
	lb.now = now
}

func (lb *LoadBalancer) Backends() []*backend.Backend {
	return lb.backends
}

func (lb *LoadBalancer) LoadBalancerStrategy() strategy.Strategy {
	return lb.strategy
}

func (lb *LoadBalancer) Init(pc *peer.Conn) error {
	pc.Data = &request{tried: make(map[*backend.Backend]bool, len(lb.backends))}

	pc.Tries = len(lb.backends)
	if lb.maxTries > 0 && lb.maxTries < pc.Tries {
		pc.Tries = lb.maxTries
	}
	return nil
}

// Get picks a backend. A backend whose breaker refuses is skipped for the
// rest of the request without consuming a try.
func (lb *LoadBalancer) Get(pc *peer.Conn) error {
	req := pc.Data.(*request)

	lb.mutex.Lock()
	defer lb.mutex.Unlock()

	for {
		candidates := lb.filterCandidates(req)
		if len(candidates) == 0 {
			return peer.ErrBusy
		}

		chosen := lb.strategy.Select(candidates, pc.HashKey)
		if chosen == nil {
			return peer.ErrBusy
		}

		req.tried[chosen] = true
		if lb.breakers != nil && !lb.breakers.GetBreaker(chosen.Name()).Allow() {
			continue
		}

		chosen.IncrementConn()
		req.current = chosen
		req.started = lb.now()

		pc.Sockaddr = chosen.Sockaddr()
		pc.Name = chosen.Name()

		if lb.reporter != nil {
			lb.reporter.Emit(metrics.MetricEvent{
				Type:    metrics.EventBackendSelected,
				Backend: chosen.Name(),
			})
		}
		return nil
	}
}

// Free closes the accounting of the current attempt. Every state but
// FreeStale consumes a try.
func (lb *LoadBalancer) Free(pc *peer.Conn, state peer.FreeState) {
	req, ok := pc.Data.(*request)
	if !ok || req.current == nil {
		return
	}

	b := req.current
	req.current = nil
	b.DecrementConn()

	var cb *circuitbreaker.CircuitBreaker
	if lb.breakers != nil {
		cb = lb.breakers.GetBreaker(b.Name())
	}

	switch state {
	case peer.FreeStale:
		delete(req.tried, b)
		if cb != nil {
			cb.Release()
		}
		return

	case peer.FreeFailed:
		if cb != nil {
			cb.RecordFailure()
		}

	case peer.FreeNext:
		if cb != nil {
			cb.Release()
		}

	case peer.FreeKeepalive:
		if cb != nil {
			cb.RecordSuccess()
		}
		b.RecordResponse(lb.now().Sub(req.started))
	}

	if pc.Tries > 0 {
		pc.Tries--
	}
}

func (lb *LoadBalancer) filterCandidates(req *request) []*backend.Backend {
	candidates := make([]*backend.Backend, 0, len(lb.backends))

	for _, b := range lb.backends {
		if b.IsHealthy() && !req.tried[b] {
			candidates = append(candidates, b)
		}
	}

	return candidates
}
