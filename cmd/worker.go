package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/angeloszaimis/evproxy/config"
	"github.com/angeloszaimis/evproxy/internal/backend"
	"github.com/angeloszaimis/evproxy/internal/cache"
	"github.com/angeloszaimis/evproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/event/epoll"
	"github.com/angeloszaimis/evproxy/internal/event/poll"
	"github.com/angeloszaimis/evproxy/internal/handler"
	"github.com/angeloszaimis/evproxy/internal/healthcheck"
	"github.com/angeloszaimis/evproxy/internal/httpproto"
	"github.com/angeloszaimis/evproxy/internal/httpserver"
	"github.com/angeloszaimis/evproxy/internal/loadbalancer"
	"github.com/angeloszaimis/evproxy/internal/metrics"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/shmtx"
	"github.com/angeloszaimis/evproxy/internal/strategy"
)

// housekeeping is how often the reactor wakes up with nothing to do, to
// publish its counters and notice signals.
const housekeeping = 500 * time.Millisecond

// worker is one reactor process: its cycle, the HTTP server on the inherited
// listeners and the helpers feeding the admin endpoint.
type worker struct {
	id  int
	cfg *config.Config
	log *slog.Logger

	cycle     *event.Cycle
	server    *httpproto.Server
	balancer  *loadbalancer.LoadBalancer
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	stats     *handler.WorkerStats
	admin     *httpserver.Server
	lock      *shmtx.FileLock

	ctx    context.Context
	cancel context.CancelFunc

	tick     *event.Event
	signals  <-chan os.Signal
	deadline time.Time
}

func runWorker(cfg *config.Config, log *slog.Logger, id int) error {
	lss, mutex, err := inherit(cfg, log)
	if err != nil {
		return err
	}

	w, err := newWorker(cfg, log, id, lss, mutex)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return w.run(sigCh)
}

// inherit picks up the listeners and the accept mutex passed by the master.
func inherit(cfg *config.Config, log *slog.Logger) ([]*event.Listening, shmtx.Mutex, error) {
	n, err := strconv.Atoi(os.Getenv(listenFdsEnv))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", listenFdsEnv, err)
	}

	lss := make([]*event.Listening, 0, n)
	for i := 0; i < n; i++ {
		ls, err := event.FromFd(3+i, cfg.Server.Backlog)
		if err != nil {
			return nil, nil, err
		}
		lss = append(lss, ls)
	}

	if !cfg.Workers.AcceptMutex || cfg.Workers.Processes < 2 {
		return lss, nil, nil
	}

	if cfg.Workers.Lock == config.LockFile {
		lock, err := shmtx.OpenFileLock(cfg.Workers.LockFile)
		if err != nil {
			return nil, nil, err
		}
		return lss, lock, nil
	}

	fd, err := strconv.Atoi(os.Getenv(mutexFdEnv))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", mutexFdEnv, err)
	}
	seg, err := shmtx.Open(os.NewFile(uintptr(fd), "accept-mutex"), shmtx.AtomicSize)
	if err != nil {
		return nil, nil, err
	}
	mutex, err := shmtx.NewAtomic(seg, shmtx.DefaultSpin, cfg.Workers.Lock == config.LockSemaphore)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("Using accept mutex", slog.String("lock", cfg.Workers.Lock))
	return lss, mutex, nil
}

func newReactor(cfg *config.WorkersConfig) event.Reactor {
	if cfg.Reactor == config.ReactorPoll {
		return poll.New()
	}
	return epoll.New(min(cfg.Connections, 512))
}

func newWorker(cfg *config.Config, log *slog.Logger, id int, lss []*event.Listening, mutex shmtx.Mutex) (*worker, error) {
	cy, err := event.NewCycle(newReactor(&cfg.Workers), event.Options{
		Connections:      cfg.Workers.Connections,
		MultiAccept:      cfg.Workers.MultiAccept,
		AcceptMutex:      mutex,
		AcceptMutexDelay: config.Duration(cfg.Workers.AcceptMutexDelay),
		TimerCoalesce:    config.Duration(cfg.Workers.TimerCoalesce),
		Log:              log,
	})
	if err != nil {
		return nil, err
	}

	w := &worker{
		id:    id,
		cfg:   cfg,
		log:   log,
		cycle: cy,
		stats: &handler.WorkerStats{},
	}
	if lock, ok := mutex.(*shmtx.FileLock); ok {
		w.lock = lock
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.collector = metrics.NewCollector(4096, log)
	w.collector.Start(w.ctx)

	backends, err := initializeBackends(w.ctx, cfg, log, w.collector)
	if err != nil {
		w.cancel()
		return nil, err
	}

	strat, err := strategy.New(cfg.Upstream.Strategy.Type, cfg.Upstream.Strategy.VirtualNodes)
	if err != nil {
		w.cancel()
		return nil, err
	}

	if cfg.Upstream.Circuit.MaxFails > 0 {
		w.breakers = circuitbreaker.NewRegistry(cfg.Upstream.Circuit.MaxFails, config.Duration(cfg.Upstream.Circuit.FailTimeout))
	}

	w.balancer = loadbalancer.NewLoadBalancer(backends, strat, w.breakers, cfg.Upstream.NextUpstreamTries)
	w.balancer.SetReporter(w.collector)

	var policy peer.Policy = w.balancer
	if n := cfg.Upstream.Keepalive.Connections; n > 0 {
		policy = peer.NewKeepalive(w.balancer, cy, n, config.Duration(cfg.Upstream.Keepalive.Timeout))
	}

	uconf, err := upstreamConf(&cfg.Upstream, policy)
	if err != nil {
		w.cancel()
		return nil, err
	}
	uconf.Reporter = w.collector

	if cfg.Upstream.Cache.Path != "" {
		c, err := cache.New(cfg.Upstream.Cache.Path, config.Duration(cfg.Upstream.Cache.Valid), log)
		if err != nil {
			w.cancel()
			return nil, err
		}
		uconf.Cache = c
	}

	w.server = &httpproto.Server{
		Conf:     clientConf(cfg),
		Upstream: uconf,
		Cycle:    cy,
		Log:      log,
		Reporter: w.collector,
		Requests: &w.stats.Requests,
	}

	for _, ls := range lss {
		ls.Handler = w.server.Init
	}
	if err := cy.OpenListening(lss...); err != nil {
		w.cancel()
		return nil, err
	}

	if cfg.Server.Admin != "" {
		addr, err := adminAddr(cfg.Server.Admin, id)
		if err != nil {
			w.cancel()
			return nil, err
		}
		admin := handler.NewAdminHandler(log, w.balancer, w.breakers, w.stats, id)
		w.admin, err = httpserver.New(addr, setupRouter(admin, w.collector, strat.Name()))
		if err != nil {
			w.cancel()
			return nil, err
		}
		if err := w.admin.Listen(); err != nil {
			w.cancel()
			return nil, err
		}
	}

	return w, nil
}

// initializeBackends resolves the configured servers and starts their health
// checks.
func initializeBackends(ctx context.Context, cfg *config.Config, log *slog.Logger, reporter healthcheck.Reporter) ([]*backend.Backend, error) {
	hc := healthcheck.Config{
		Interval: config.Duration(cfg.Upstream.HealthCheck.Interval),
		Path:     cfg.Upstream.HealthCheck.Path,
		Timeout:  config.Duration(cfg.Upstream.HealthCheck.Timeout),
	}
	if hc.Interval <= 0 {
		return nil, fmt.Errorf("invalid health check interval %q", cfg.Upstream.HealthCheck.Interval)
	}

	var backends []*backend.Backend

	for _, bc := range cfg.Upstream.Backends {
		u, err := url.Parse(bc.URL)
		if err != nil {
			log.Error("Failed to parse URL",
				slog.String("url", bc.URL),
				slog.String("error", err.Error()))
			continue
		}

		b, err := backend.New(u, bc.Weight)
		if err != nil {
			log.Error("Failed to create backend",
				slog.String("url", bc.URL),
				slog.String("error", err.Error()))
			continue
		}
		backends = append(backends, b)
		go healthcheck.HealthCheck(ctx, b, hc, log, reporter)
	}

	if len(backends) == 0 {
		return nil, os.ErrInvalid
	}

	return backends, nil
}

// adminAddr gives every worker its own admin port: the configured one plus
// the worker number.
func adminAddr(addr string, id int) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("admin port %q: %w", port, err)
	}
	if p == 0 {
		return addr, nil
	}
	return net.JoinHostPort(host, strconv.Itoa(p+id)), nil
}

// run drives the reactor until a stop signal arrives and the worker drained
// or ran out of time.
func (w *worker) run(signals <-chan os.Signal) error {
	w.signals = signals

	if w.admin != nil {
		go func() {
			if err := w.admin.Start(); err != nil {
				w.log.Error("Admin server failed", slog.Any("err", err))
			}
		}()
		w.log.Info("Admin endpoint started", slog.String("addr", w.admin.Addr()))
	}

	w.tick = &event.Event{Handler: w.housekeeping, Cancelable: true}
	w.cycle.Timers.Add(w.tick, housekeeping)

	w.log.Info("Worker started", slog.Int("listeners", len(w.cycle.Listening)))

	for !w.done() {
		_ = w.cycle.ProcessEventsAndTimers()
	}

	w.shutdown()
	return nil
}

func (w *worker) housekeeping(*event.Event) {
	w.publish()

	select {
	case sig := <-w.signals:
		w.drain(sig)
	default:
	}

	w.cycle.Timers.Add(w.tick, housekeeping)
}

func (w *worker) publish() {
	conns := w.cycle.Conns
	w.stats.Connections.Store(int64(conns.Cap() - conns.FreeCount()))
	w.stats.FreeConnections.Store(int64(conns.FreeCount()))
}

// drain starts the graceful exit: no new connections, idle ones closed,
// requests in flight finish.
func (w *worker) drain(sig os.Signal) {
	if w.cycle.Exiting {
		return
	}
	w.log.Info("Shutting down gracefully...", slog.String("signal", sig.String()))

	w.cycle.Exiting = true
	w.stats.Draining.Store(true)
	w.deadline = time.Now().Add(config.Duration(w.cfg.Workers.ShutdownTimeout))

	w.cycle.CloseListening()
	w.cycle.Conns.CloseIdle()
}

func (w *worker) done() bool {
	if !w.cycle.Exiting {
		return false
	}
	if w.cycle.Drained() {
		return true
	}
	if time.Now().After(w.deadline) {
		w.log.Warn("Shutdown timeout reached, dropping connections",
			slog.Int64("connections", w.stats.Connections.Load()))
		return true
	}
	return false
}

func (w *worker) shutdown() {
	if w.tick.TimerSet {
		w.cycle.Timers.Del(w.tick)
	}
	if w.admin != nil {
		if err := w.admin.Shutdown(context.Background()); err != nil {
			w.log.Error("Error during admin shutdown", slog.Any("err", err))
		}
	}
	w.cancel()
	if w.lock != nil {
		w.lock.Close()
	}
	w.log.Info("Worker stopped", slog.Int64("requests", w.stats.Requests.Load()))
}
