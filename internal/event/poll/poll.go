// Package poll is the portable level-triggered reactor backend.
package poll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/event"
)

type slot struct {
	conn   *event.Connection
	number uint64
}

type fired struct {
	slot
	fd      int32
	revents int16
	events  int16
}

// Reactor keeps one pollfd per fd with the union of both directions.
type Reactor struct {
	cycle *event.Cycle
	fds   []unix.PollFd
	slots []slot
	index map[int]int
	ready []fired
}

func New() *Reactor {
	return &Reactor{index: make(map[int]int)}
}

func (r *Reactor) Name() string {
	return "poll"
}

func (r *Reactor) Init(cy *event.Cycle) error {
	r.cycle = cy
	return nil
}

func (r *Reactor) Done() {
	r.fds = nil
	r.slots = nil
	clear(r.index)
}

func (r *Reactor) Flags() event.Capability {
	return event.UseLevelEvent
}

func bit(kind event.Kind) int16 {
	if kind == event.ReadEvent {
		return unix.POLLIN
	}
	return unix.POLLOUT
}

func (r *Reactor) Add(ev *event.Event, kind event.Kind, flags event.Flags) error {
	c := ev.Conn
	if ev.Active {
		return nil
	}

	if i, ok := r.index[c.Fd]; ok {
		r.fds[i].Events |= bit(kind)
		r.slots[i] = slot{conn: c, number: c.Number}
	} else {
		r.index[c.Fd] = len(r.fds)
		r.fds = append(r.fds, unix.PollFd{Fd: int32(c.Fd), Events: bit(kind)})
		r.slots = append(r.slots, slot{conn: c, number: c.Number})
	}

	ev.Active = true
	ev.Oneshot = flags&event.OneshotEvent != 0
	return nil
}

func (r *Reactor) Del(ev *event.Event, kind event.Kind, flags event.Flags) error {
	c := ev.Conn
	ev.Active = false

	i, ok := r.index[c.Fd]
	if !ok {
		return nil
	}

	r.fds[i].Events &^= bit(kind)
	if r.fds[i].Events != 0 {
		return nil
	}

	last := len(r.fds) - 1
	if i != last {
		r.fds[i] = r.fds[last]
		r.slots[i] = r.slots[last]
		r.index[int(r.fds[i].Fd)] = i
	}
	r.fds = r.fds[:last]
	r.slots = r.slots[:last]
	delete(r.index, c.Fd)
	return nil
}

func (r *Reactor) Enable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Add(ev, kind, flags)
}

func (r *Reactor) Disable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Del(ev, kind, flags)
}

func (r *Reactor) AddConn(c *event.Connection) error {
	if err := r.Add(c.Read, event.ReadEvent, 0); err != nil {
		return err
	}
	return r.Add(c.Write, event.WriteEvent, 0)
}

func (r *Reactor) DelConn(c *event.Connection, flags event.Flags) error {
	if err := r.Del(c.Read, event.ReadEvent, flags); err != nil {
		return err
	}
	return r.Del(c.Write, event.WriteEvent, flags)
}

func (r *Reactor) ProcessEvents(timer int64, flags event.Flags) error {
	n, err := unix.Poll(r.fds, int(timer))

	if flags&event.UpdateTime != 0 {
		r.cycle.Clock.Update()
	}

	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	if n == 0 {
		if timer != event.TimerInfinite {
			return nil
		}
		return errors.New("poll returned no events without timeout")
	}

	// handlers change the pollfd set, so collect first
	r.ready = r.ready[:0]
	for i := range r.fds {
		if r.fds[i].Revents == 0 {
			continue
		}
		r.ready = append(r.ready, fired{
			slot:    r.slots[i],
			fd:      r.fds[i].Fd,
			revents: r.fds[i].Revents,
			events:  r.fds[i].Events,
		})
		r.fds[i].Revents = 0
	}

	for _, f := range r.ready {
		if f.revents&unix.POLLNVAL != 0 {
			r.cycle.Log.Error("poll on invalid fd", "fd", f.fd)
			continue
		}

		revents := f.revents
		if revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			revents |= f.events & (unix.POLLIN | unix.POLLOUT)
		}

		c := f.conn
		if stale(f) {
			continue
		}
		if rev := c.Read; revents&unix.POLLIN != 0 && rev.Active {
			rev.Ready = true
			rev.Available = -1
			if rev.Oneshot {
				r.Del(rev, event.ReadEvent, 0)
			}
			r.cycle.Dispatch(rev, flags)
		}

		if stale(f) {
			continue
		}
		if wev := c.Write; revents&unix.POLLOUT != 0 && wev.Active {
			wev.Ready = true
			if wev.Oneshot {
				r.Del(wev, event.WriteEvent, 0)
			}
			r.cycle.Dispatch(wev, flags)
		}
	}

	return nil
}

func stale(f fired) bool {
	return f.conn == nil || f.conn.Fd != int(f.fd) || f.conn.Number != f.number
}
