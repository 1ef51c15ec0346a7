package handler_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/backend"
	"github.com/angeloszaimis/evproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/evproxy/internal/handler"
	"github.com/angeloszaimis/evproxy/internal/loadbalancer"
	"github.com/angeloszaimis/evproxy/internal/strategy"
)

var _ = Describe("AdminHandler", func() {
	var (
		h        *handler.AdminHandler
		backends []*backend.Backend
		breakers *circuitbreaker.Registry
		stats    *handler.WorkerStats
	)

	BeforeEach(func() {
		for _, raw := range []string{"http://127.0.0.1:8081", "http://127.0.0.1:8082"} {
			u, err := url.Parse(raw)
			Expect(err).NotTo(HaveOccurred())
			b, err := backend.New(u, 2)
			Expect(err).NotTo(HaveOccurred())
			backends = append(backends, b)
		}
		DeferCleanup(func() { backends = nil })

		breakers = circuitbreaker.NewRegistry(1, time.Minute)
		lb := loadbalancer.NewLoadBalancer(backends, strategy.NewLeastConnStrategy(), breakers, 0)
		stats = &handler.WorkerStats{}
		h = handler.NewAdminHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), lb, breakers, stats, 3)
	})

	Describe("Status", func() {
		It("should report the worker and its backends", func() {
			stats.Connections.Store(7)
			stats.FreeConnections.Store(1017)
			backends[1].SetHealthy(false)
			backends[0].IncrementConn()
			breakers.GetBreaker("127.0.0.1:8082").RecordFailure()

			rec := httptest.NewRecorder()
			h.Status(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var status handler.Status
			Expect(json.Unmarshal(rec.Body.Bytes(), &status)).To(Succeed())
			Expect(status.Worker).To(Equal(3))
			Expect(status.Strategy).To(Equal(strategy.LeastConn))
			Expect(status.Connections).To(Equal(int64(7)))
			Expect(status.FreeConnections).To(Equal(int64(1017)))
			Expect(status.Backends).To(Equal([]handler.BackendStatus{
				{Name: "127.0.0.1:8081", Weight: 2, Healthy: true, Active: 1, Circuit: "CLOSED"},
				{Name: "127.0.0.1:8082", Weight: 2, Healthy: false, Active: 0, Circuit: "OPEN"},
			}))
		})
	})

	Describe("Health", func() {
		It("should be OK while serving", func() {
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("OK"))
		})

		It("should fail while draining", func() {
			stats.Draining.Store(true)
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})
})
