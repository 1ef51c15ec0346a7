package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/evproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/evproxy/internal/loadbalancer"
)

// WorkerStats is published by the reactor thread on its housekeeping tick
// and read by the admin goroutine.
type WorkerStats struct {
	Connections     atomic.Int64
	FreeConnections atomic.Int64
	Requests        atomic.Int64
	Draining        atomic.Bool
}

type AdminHandler struct {
	logger   *slog.Logger
	balancer *loadbalancer.LoadBalancer
	breakers *circuitbreaker.Registry
	stats    *WorkerStats
	worker   int
	started  time.Time
}

type BackendStatus struct {
	Name        string        `json:"name"`
	Weight      int           `json:"weight"`
	Healthy     bool          `json:"healthy"`
	Active      int           `json:"active"`
	AvgResponse time.Duration `json:"avg_response"`
	Circuit     string        `json:"circuit"`
}

type Status struct {
	Worker          int             `json:"worker"`
	PID             int             `json:"pid"`
	Uptime          time.Duration   `json:"uptime"`
	Strategy        string          `json:"strategy"`
	Connections     int64           `json:"connections"`
	FreeConnections int64           `json:"free_connections"`
	Requests        int64           `json:"requests"`
	Draining        bool            `json:"draining"`
	Backends        []BackendStatus `json:"backends"`
}

func NewAdminHandler(logger *slog.Logger, lb *loadbalancer.LoadBalancer, breakers *circuitbreaker.Registry, stats *WorkerStats, worker int) *AdminHandler {
	return &AdminHandler{
		logger:   logger,
		balancer: lb,
		breakers: breakers,
		stats:    stats,
		worker:   worker,
		started:  time.Now(),
	}
}

// Status reports the worker, its connection usage and every backend.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Worker:          h.worker,
		PID:             os.Getpid(),
		Uptime:          time.Since(h.started),
		Strategy:        h.balancer.LoadBalancerStrategy().Name(),
		Connections:     h.stats.Connections.Load(),
		FreeConnections: h.stats.FreeConnections.Load(),
		Requests:        h.stats.Requests.Load(),
		Draining:        h.stats.Draining.Load(),
	}

	var circuits map[string]circuitbreaker.State
	if h.breakers != nil {
		circuits = h.breakers.Stats()
	}

	for _, b := range h.balancer.Backends() {
		circuit := circuitbreaker.StateClosed
		if s, ok := circuits[b.Name()]; ok {
			circuit = s
		}

		status.Backends = append(status.Backends, BackendStatus{
			Name:        b.Name(),
			Weight:      b.Weight(),
			Healthy:     b.IsHealthy(),
			Active:      b.ActiveConnections(),
			AvgResponse: b.EWMATime(),
			Circuit:     circuit.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("Failed to encode status", slog.String("error", err.Error()))
	}
}

// Health answers 200 while the worker accepts connections and 503 once it
// drains.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.stats.Draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
