package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/angeloszaimis/evproxy/config"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/shmtx"
)

const (
	// A worker that dies sooner than respawnWindow after its start is
	// restarted only after respawnDelay.
	respawnWindow = time.Second
	respawnDelay  = time.Second
)

type workerExit struct {
	id      int
	pid     int
	err     error
	started time.Time
}

// master owns the listening sockets and the accept mutex segment and keeps
// the configured number of workers running.
type master struct {
	cfg     *config.Config
	log     *slog.Logger
	console bool

	exe  string
	args []string

	listeners   []*event.Listening
	listenFiles []*os.File
	seg         *shmtx.Segment

	workers  map[int]*exec.Cmd
	exits    chan workerExit
	respawn  chan int
	pending  int
	spawned  int
	stopping bool

	respawnDelay time.Duration
}

func runMaster(cfg *config.Config, log *slog.Logger) error {
	m, err := newMaster(cfg, log)
	if err != nil {
		return err
	}
	defer m.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return m.run(sigCh)
}

func newMaster(cfg *config.Config, log *slog.Logger) (*master, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("find executable: %w", err)
	}

	m := &master{
		cfg:          cfg,
		log:          log,
		console:      cfg.Server.Environment == config.EnvDev,
		exe:          exe,
		args:         os.Args[1:],
		workers:      make(map[int]*exec.Cmd),
		exits:        make(chan workerExit, cfg.Workers.Processes),
		respawn:      make(chan int, cfg.Workers.Processes),
		respawnDelay: respawnDelay,
	}

	for _, addr := range cfg.Server.Listen {
		ls, err := event.Listen(addr, cfg.Server.Backlog)
		if err != nil {
			m.close()
			return nil, err
		}
		m.listeners = append(m.listeners, ls)
		m.listenFiles = append(m.listenFiles, os.NewFile(uintptr(ls.Fd), ls.AddrText))
		log.Info("Listening", slog.String("addr", ls.AddrText))
	}

	if cfg.Workers.AcceptMutex && cfg.Workers.Processes > 1 && cfg.Workers.Lock != config.LockFile {
		seg, err := shmtx.NewMemfd("evproxy-accept-mutex", shmtx.AtomicSize)
		if err != nil {
			m.close()
			return nil, err
		}
		m.seg = seg
	}

	return m, nil
}

func (m *master) run(sigCh <-chan os.Signal) error {
	for id := 0; id < m.cfg.Workers.Processes; id++ {
		if err := m.spawn(id); err != nil {
			m.signalAll(syscall.SIGKILL)
			return err
		}
	}

	var deadline <-chan time.Time

	for len(m.workers) > 0 || (m.pending > 0 && !m.stopping) {
		select {
		case sig := <-sigCh:
			if m.stopping {
				m.signalAll(syscall.SIGKILL)
				continue
			}
			m.stopping = true
			m.log.Info("Shutting down gracefully...", slog.String("signal", sig.String()))
			m.say(color.YellowString, "stopping %d workers", len(m.workers))
			m.signalAll(syscall.SIGTERM)
			deadline = time.After(config.Duration(m.cfg.Workers.ShutdownTimeout) + time.Second)

		case ex := <-m.exits:
			delete(m.workers, ex.id)
			m.reportExit(ex)
			if m.stopping {
				continue
			}
			delay := time.Duration(0)
			if time.Since(ex.started) < respawnWindow {
				delay = m.respawnDelay
			}
			m.schedule(ex.id, delay)

		case id := <-m.respawn:
			m.pending--
			if m.stopping {
				continue
			}
			if err := m.spawn(id); err != nil {
				m.log.Error("Failed to restart worker", slog.Int("worker", id), slog.Any("err", err))
				m.schedule(id, m.respawnDelay)
			}

		case <-deadline:
			m.log.Warn("Workers did not exit in time", slog.Int("workers", len(m.workers)))
			m.signalAll(syscall.SIGKILL)
			deadline = nil
		}
	}

	m.log.Info("Master stopped")
	return nil
}

func (m *master) spawn(id int) error {
	cmd := exec.Command(m.exe, m.args...)
	cmd.Env = append(os.Environ(),
		workerEnv+"="+strconv.Itoa(id),
		listenFdsEnv+"="+strconv.Itoa(len(m.listenFiles)),
	)
	cmd.ExtraFiles = append([]*os.File(nil), m.listenFiles...)
	if m.seg != nil {
		cmd.Env = append(cmd.Env, mutexFdEnv+"="+strconv.Itoa(3+len(cmd.ExtraFiles)))
		cmd.ExtraFiles = append(cmd.ExtraFiles, m.seg.File())
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", id, err)
	}

	pid := cmd.Process.Pid
	started := time.Now()
	m.workers[id] = cmd
	m.spawned++

	m.log.Info("Worker started", slog.Int("worker", id), slog.Int("pid", pid))
	m.say(color.GreenString, "worker %d started (pid %d)", id, pid)

	go func() {
		err := cmd.Wait()
		m.exits <- workerExit{id: id, pid: pid, err: err, started: started}
	}()
	return nil
}

func (m *master) schedule(id int, delay time.Duration) {
	m.pending++
	time.AfterFunc(delay, func() { m.respawn <- id })
}

func (m *master) signalAll(sig os.Signal) {
	for id, cmd := range m.workers {
		if err := cmd.Process.Signal(sig); err != nil {
			m.log.Debug("signal worker", slog.Int("worker", id), slog.Any("err", err))
		}
	}
}

func (m *master) reportExit(ex workerExit) {
	if ex.err == nil || m.stopping {
		m.log.Info("Worker exited", slog.Int("worker", ex.id), slog.Int("pid", ex.pid))
		m.say(color.YellowString, "worker %d exited (pid %d)", ex.id, ex.pid)
		return
	}
	m.log.Error("Worker died", slog.Int("worker", ex.id), slog.Int("pid", ex.pid), slog.Any("err", ex.err))
	m.say(color.RedString, "worker %d died (pid %d): %v", ex.id, ex.pid, ex.err)
}

// say prints a colored lifecycle line in the dev environment.
func (m *master) say(paint func(string, ...interface{}) string, format string, args ...interface{}) {
	if m.console {
		fmt.Fprintln(os.Stderr, paint("[master] "+format, args...))
	}
}

func (m *master) close() {
	for _, f := range m.listenFiles {
		f.Close()
	}
	m.listenFiles = nil
	m.listeners = nil
	if m.seg != nil {
		m.seg.Close()
		m.seg = nil
	}
}
