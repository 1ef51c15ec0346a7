// Package epoll is the Linux edge-triggered reactor backend.
package epoll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/event"
)

// DefaultEvents is the size of the epoll_wait result buffer.
const DefaultEvents = 512

// Reactor registers connections edge-triggered for both directions and keeps
// the connection generation next to the fd so events for a recycled fd are
// dropped.
type Reactor struct {
	cycle  *event.Cycle
	epfd   int
	events []unix.EpollEvent
	conns  map[int32]*event.Connection
}

func New(nevents int) *Reactor {
	if nevents <= 0 {
		nevents = DefaultEvents
	}
	return &Reactor{
		epfd:   -1,
		events: make([]unix.EpollEvent, nevents),
		conns:  make(map[int32]*event.Connection),
	}
}

func (r *Reactor) Name() string {
	return "epoll"
}

func (r *Reactor) Init(cy *event.Cycle) error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	r.epfd = fd
	r.cycle = cy
	return nil
}

func (r *Reactor) Done() {
	if r.epfd >= 0 {
		unix.Close(r.epfd)
		r.epfd = -1
	}
	clear(r.conns)
}

func (r *Reactor) Flags() event.Capability {
	return event.UseClearEvent | event.UseGreedyEvent
}

func epollFlags(flags event.Flags) uint32 {
	var events uint32
	if flags&event.ClearEvent != 0 {
		events |= unix.EPOLLET
	}
	if flags&event.OneshotEvent != 0 {
		events |= unix.EPOLLONESHOT
	}
	if flags&event.ExclusiveEvent != 0 {
		events |= unix.EPOLLEXCLUSIVE
	}
	return events
}

func (r *Reactor) ctl(op int, c *event.Connection, events uint32) error {
	ee := unix.EpollEvent{
		Events: events,
		Fd:     int32(c.Fd),
		Pad:    int32(c.Number),
	}
	if err := unix.EpollCtl(r.epfd, op, c.Fd, &ee); err != nil {
		return fmt.Errorf("epoll_ctl(%d, %d): %w", op, c.Fd, err)
	}
	return nil
}

func (r *Reactor) Add(ev *event.Event, kind event.Kind, flags event.Flags) error {
	c := ev.Conn

	var other *event.Event
	var events, prev uint32
	if kind == event.ReadEvent {
		other = c.Write
		events = unix.EPOLLIN | unix.EPOLLRDHUP
		prev = unix.EPOLLOUT
	} else {
		other = c.Read
		events = unix.EPOLLOUT
		prev = unix.EPOLLIN | unix.EPOLLRDHUP
	}

	op := unix.EPOLL_CTL_ADD
	if other.Active {
		op = unix.EPOLL_CTL_MOD
		events |= prev
	}

	if err := r.ctl(op, c, events|epollFlags(flags)); err != nil {
		return err
	}
	r.conns[int32(c.Fd)] = c
	ev.Active = true
	ev.Oneshot = flags&event.OneshotEvent != 0
	return nil
}

func (r *Reactor) Del(ev *event.Event, kind event.Kind, flags event.Flags) error {
	c := ev.Conn

	// closing the fd removes it from the epoll set
	if flags&event.CloseEvent != 0 {
		ev.Active = false
		if !c.Read.Active && !c.Write.Active {
			r.forget(c)
		}
		return nil
	}

	var other *event.Event
	var prev uint32
	if kind == event.ReadEvent {
		other = c.Write
		prev = unix.EPOLLOUT
	} else {
		other = c.Read
		prev = unix.EPOLLIN | unix.EPOLLRDHUP
	}

	var err error
	if other.Active {
		err = r.ctl(unix.EPOLL_CTL_MOD, c, prev|epollFlags(flags))
	} else {
		err = r.ctl(unix.EPOLL_CTL_DEL, c, 0)
		r.forget(c)
	}
	ev.Active = false
	return err
}

func (r *Reactor) Enable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Add(ev, kind, flags)
}

func (r *Reactor) Disable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Del(ev, kind, flags|event.DisableEvent)
}

func (r *Reactor) AddConn(c *event.Connection) error {
	if err := r.ctl(unix.EPOLL_CTL_ADD, c, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLET|unix.EPOLLRDHUP); err != nil {
		return err
	}
	r.conns[int32(c.Fd)] = c
	c.Read.Active = true
	c.Write.Active = true
	return nil
}

func (r *Reactor) DelConn(c *event.Connection, flags event.Flags) error {
	var err error
	if flags&event.CloseEvent == 0 {
		err = r.ctl(unix.EPOLL_CTL_DEL, c, 0)
	}
	r.forget(c)
	c.Read.Active = false
	c.Write.Active = false
	return err
}

func (r *Reactor) forget(c *event.Connection) {
	if r.conns[int32(c.Fd)] == c {
		delete(r.conns, int32(c.Fd))
	}
}

func (r *Reactor) ProcessEvents(timer int64, flags event.Flags) error {
	n, err := unix.EpollWait(r.epfd, r.events, int(timer))

	if flags&event.UpdateTime != 0 {
		r.cycle.Clock.Update()
	}

	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}

	if n == 0 {
		if timer != event.TimerInfinite {
			return nil
		}
		return errors.New("epoll_wait returned no events without timeout")
	}

	for i := 0; i < n; i++ {
		ee := r.events[i]

		c := r.conns[ee.Fd]
		if stale(c, ee) {
			r.cycle.Log.Debug("stale epoll event", "fd", ee.Fd)
			continue
		}

		revents := ee.Events
		if revents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			revents |= unix.EPOLLIN | unix.EPOLLOUT
		}

		rev := c.Read
		if revents&unix.EPOLLIN != 0 && rev.Active {
			if revents&unix.EPOLLRDHUP != 0 {
				rev.PendingEOF = true
			}
			rev.Ready = true
			rev.Available = -1
			if rev.Oneshot {
				rev.Active = false
			}
			r.cycle.Dispatch(rev, flags)
		}

		// the read handler may have closed or recycled the connection
		if stale(c, ee) {
			continue
		}

		wev := c.Write
		if revents&unix.EPOLLOUT != 0 && wev.Active {
			wev.Ready = true
			if wev.Oneshot {
				wev.Active = false
			}
			r.cycle.Dispatch(wev, flags)
		}
	}

	return nil
}

func stale(c *event.Connection, ee unix.EpollEvent) bool {
	return c == nil || c.Fd != int(ee.Fd) || int32(c.Number) != ee.Pad
}
