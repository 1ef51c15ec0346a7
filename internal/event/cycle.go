package event

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/angeloszaimis/evproxy/internal/shmtx"
)

// DefaultAcceptMutexDelay caps the wait of a worker that lost the accept mutex.
const DefaultAcceptMutexDelay = 500 * time.Millisecond

// Options configure a Cycle.
type Options struct {
	Connections      int
	MultiAccept      bool
	AcceptMutex      shmtx.Mutex
	AcceptMutexDelay time.Duration
	TimerCoalesce    time.Duration
	Log              *slog.Logger
}

// Cycle is the runtime context of one worker: its reactor, clock, timers,
// posted queues, connection pool, listeners and accept-mutex state.
type Cycle struct {
	Log     *slog.Logger
	Reactor Reactor
	Clock   *Clock
	Timers  *Timers
	Conns   *ConnPool

	Posted       Posted
	PostedAccept Posted

	Listening []*Listening

	AcceptMutex      shmtx.Mutex
	AcceptMutexDelay time.Duration
	MultiAccept      bool

	// AcceptDisabled is positive while the worker sheds accept load: it skips
	// that many turns at the accept mutex.
	AcceptDisabled int

	acceptMutexHeld bool

	// Exiting is set during graceful shutdown.
	Exiting bool
}

// NewCycle builds a worker context around r and initializes the reactor.
func NewCycle(r Reactor, opts Options) (*Cycle, error) {
	if opts.Connections <= 0 {
		return nil, errors.New("event: connections must be positive")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.AcceptMutexDelay <= 0 {
		opts.AcceptMutexDelay = DefaultAcceptMutexDelay
	}
	if opts.TimerCoalesce <= 0 {
		opts.TimerCoalesce = DefaultLazyDelay
	}

	clock := NewClock()
	cy := &Cycle{
		Log:              opts.Log,
		Reactor:          r,
		Clock:            clock,
		Timers:           NewTimers(clock, opts.TimerCoalesce),
		Conns:            NewConnPool(opts.Connections),
		AcceptMutex:      opts.AcceptMutex,
		AcceptMutexDelay: opts.AcceptMutexDelay,
		MultiAccept:      opts.MultiAccept,
	}
	cy.Conns.cycle = cy

	if err := r.Init(cy); err != nil {
		return nil, fmt.Errorf("init %s reactor: %w", r.Name(), err)
	}

	return cy, nil
}

// AcceptMutexHeld reports whether this worker currently has its listeners armed
// because it won the accept mutex.
func (cy *Cycle) AcceptMutexHeld() bool {
	return cy.acceptMutexHeld
}

// ProcessEventsAndTimers runs one loop iteration: wait for the nearest timer
// (bounded by the accept mutex delay when another worker accepts), dispatch,
// drain posted accepts, release the mutex, drain posted events, expire timers.
func (cy *Cycle) ProcessEventsAndTimers() error {
	timer := cy.Timers.FindNearest()
	flags := UpdateTime

	locked := false
	if cy.AcceptMutex != nil {
		if cy.AcceptDisabled > 0 {
			cy.AcceptDisabled--
			if cy.acceptMutexHeld {
				if err := cy.DisableAcceptEvents(false); err != nil {
					return err
				}
				cy.acceptMutexHeld = false
			}
		} else {
			if err := cy.TryLockAcceptMutex(); err != nil {
				return err
			}

			if cy.acceptMutexHeld {
				locked = true
				flags |= PostEvents
			} else if delay := cy.AcceptMutexDelay.Milliseconds(); timer == TimerInfinite || timer > delay {
				timer = delay
			}
		}
	}

	err := cy.Reactor.ProcessEvents(timer, flags)
	if err != nil {
		cy.Log.Error("process events", "reactor", cy.Reactor.Name(), "error", err)
	}

	cy.PostedAccept.Process()

	// the accept handler gives the mutex up itself when it backs off
	if locked && cy.acceptMutexHeld {
		cy.AcceptMutex.Unlock()
	}

	cy.Posted.Process()
	cy.Timers.Expire()

	return err
}

// TryLockAcceptMutex arms the listeners when the mutex is won and disarms them
// when a worker that held it loses it.
func (cy *Cycle) TryLockAcceptMutex() error {
	if cy.AcceptMutex.TryLock() {
		if cy.acceptMutexHeld {
			return nil
		}
		if err := cy.EnableAcceptEvents(); err != nil {
			cy.AcceptMutex.Unlock()
			return err
		}
		cy.acceptMutexHeld = true
		return nil
	}

	if cy.acceptMutexHeld {
		if err := cy.DisableAcceptEvents(false); err != nil {
			return err
		}
		cy.acceptMutexHeld = false
	}
	return nil
}

// EnableAcceptEvents registers read interest on every listening socket.
func (cy *Cycle) EnableAcceptEvents() error {
	for _, ls := range cy.Listening {
		c := ls.Conn
		if c == nil || c.Read.Active {
			continue
		}
		if err := cy.Reactor.Add(c.Read, ReadEvent, 0); err != nil {
			return fmt.Errorf("enable accept on %s: %w", ls.AddrText, err)
		}
	}
	return nil
}

// DisableAcceptEvents removes read interest from every listening socket. With
// all set the accept timers are cancelled too.
func (cy *Cycle) DisableAcceptEvents(all bool) error {
	for _, ls := range cy.Listening {
		c := ls.Conn
		if c == nil {
			continue
		}
		if all && c.Read.TimerSet {
			cy.Timers.Del(c.Read)
		}
		if !c.Read.Active {
			continue
		}
		if err := cy.Reactor.Del(c.Read, ReadEvent, DisableEvent); err != nil {
			return fmt.Errorf("disable accept on %s: %w", ls.AddrText, err)
		}
	}
	return nil
}

// OpenListening attaches listeners to pool connections. Without an accept
// mutex they are armed immediately; otherwise the mutex decides.
func (cy *Cycle) OpenListening(lss ...*Listening) error {
	for _, ls := range lss {
		c := cy.Conns.Get(ls.Fd)
		if c == nil {
			return errors.New("event: no connection for listening socket")
		}
		c.Listening = ls
		c.Sockaddr = ls.Sockaddr
		c.AddrText = ls.AddrText
		c.Read.Accept = true
		c.Read.Handler = cy.acceptHandler
		ls.Conn = c
		cy.Listening = append(cy.Listening, ls)

		if cy.AcceptMutex != nil {
			continue
		}
		if err := cy.Reactor.Add(c.Read, ReadEvent, 0); err != nil {
			return fmt.Errorf("listen on %s: %w", ls.AddrText, err)
		}
	}
	return nil
}

// CloseListening stops accepting: listeners are removed from the reactor and
// their sockets closed. Used at graceful shutdown.
func (cy *Cycle) CloseListening() {
	for _, ls := range cy.Listening {
		if ls.Conn == nil {
			continue
		}
		cy.Conns.Close(ls.Conn)
		ls.Conn = nil
		ls.Fd = -1
	}
	cy.Listening = nil

	cy.acceptMutexHeld = false
	cy.AcceptMutex = nil
}

// Drained reports whether a worker that stopped accepting may exit: no
// connection besides the listeners is in use and only cancelable timers remain.
func (cy *Cycle) Drained() bool {
	return cy.Conns.FreeCount()+len(cy.Listening) == cy.Conns.Cap() && cy.Timers.NoTimersLeft()
}
