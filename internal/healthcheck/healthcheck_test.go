package healthcheck_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/backend"
	"github.com/angeloszaimis/evproxy/internal/healthcheck"
	"github.com/angeloszaimis/evproxy/internal/metrics"
)

type recorder struct {
	mutex  sync.Mutex
	events []metrics.MetricEvent
}

func (r *recorder) Emit(ev metrics.MetricEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []metrics.MetricEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]metrics.MetricEvent(nil), r.events...)
}

var _ = Describe("HealthCheck", func() {
	var (
		server  *httptest.Server
		status  atomic.Int32
		paths   chan string
		b       *backend.Backend
		log     *slog.Logger
		rec     *recorder
		ctx     context.Context
		cancel  context.CancelFunc
		cfg     healthcheck.Config
		stopped chan struct{}
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		rec = &recorder{}
		paths = make(chan string, 100)
		status.Store(http.StatusOK)

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case paths <- r.URL.Path:
			default:
			}
			w.WriteHeader(int(status.Load()))
		}))

		u, err := url.Parse(server.URL)
		Expect(err).NotTo(HaveOccurred())
		b, err = backend.New(u, 1)
		Expect(err).NotTo(HaveOccurred())

		cfg = healthcheck.Config{Interval: 20 * time.Millisecond, Path: "/healthz", Timeout: time.Second}
		ctx, cancel = context.WithCancel(context.Background())
		stopped = make(chan struct{})
	})

	AfterEach(func() {
		cancel()
		Eventually(stopped).Should(BeClosed())
		server.Close()
	})

	run := func() {
		go func() {
			defer close(stopped)
			healthcheck.HealthCheck(ctx, b, cfg, log, rec)
		}()
	}

	It("should probe the configured path", func() {
		run()
		Eventually(paths).Should(Receive(Equal("/healthz")))
	})

	It("should mark a failing backend down and report it once", func() {
		status.Store(http.StatusServiceUnavailable)
		run()

		Eventually(b.IsHealthy).Should(BeFalse())
		Eventually(rec.Events).Should(HaveLen(1))
		Consistently(rec.Events, 100*time.Millisecond).Should(HaveLen(1))

		ev := rec.Events()[0]
		Expect(ev.Type).To(Equal(metrics.EventHealthChanged))
		Expect(ev.Backend).To(Equal(b.Name()))
		Expect(ev.Healthy).To(BeFalse())
	})

	It("should bring a recovered backend back", func() {
		b.SetHealthy(false)
		run()

		Eventually(b.IsHealthy).Should(BeTrue())
		Eventually(rec.Events).Should(ContainElement(HaveField("Healthy", BeTrue())))
	})

	It("should mark an unreachable backend down", func() {
		server.Close()
		run()

		Eventually(b.IsHealthy).Should(BeFalse())
	})
})
