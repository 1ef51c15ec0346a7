package event

import (
	"container/list"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/arena"
)

// ConnState is the lifecycle position of a Connection.
type ConnState int

const (
	ConnFree ConnState = iota
	ConnActive
	ConnIdle
	ConnClosing
)

func (s ConnState) String() string {
	switch s {
	case ConnFree:
		return "free"
	case ConnActive:
		return "active"
	case ConnIdle:
		return "idle"
	case ConnClosing:
		return "closing"
	}
	return "unknown"
}

// drainBatch is how many reusable connections Get reclaims at once.
const drainBatch = 32

type (
	RecvFunc     func(c *Connection, b []byte) (int, error)
	SendFunc     func(c *Connection, b []byte) (int, error)
	SendVFunc    func(c *Connection, bufs [][]byte) (int, error)
	SendFileFunc func(c *Connection, f *os.File, off int64, n int) (int, error)
)

// Connection is a non-blocking socket with its two events. Connections live
// in a ConnPool; a Connection's fd is valid exactly while it is not free.
type Connection struct {
	Fd    int
	Read  *Event
	Write *Event

	Pool *arena.Pool
	Log  *slog.Logger

	Sockaddr unix.Sockaddr
	AddrText string

	Listening *Listening

	Sent     int64
	Received int64

	// Number is the generation of the slot; it changes on every Get.
	Number uint64

	Requests int

	State    ConnState
	Reusable bool
	Idle     bool
	Close    bool
	Error    bool
	Timedout bool

	Recv     RecvFunc
	Send     SendFunc
	SendV    SendVFunc
	SendFile SendFileFunc

	// Data is the owner: the protocol request or the upstream peer.
	Data any

	reusable *list.Element
}

// ConnPool is a fixed-capacity set of connections with a LIFO free list and a
// queue of idle connections that may be reclaimed under pressure.
type ConnPool struct {
	cycle *Cycle

	conns    []*Connection
	free     []*Connection
	reusable list.List
	number   uint64
}

// NewConnPool allocates n connections up front.
func NewConnPool(n int) *ConnPool {
	p := &ConnPool{
		conns: make([]*Connection, n),
		free:  make([]*Connection, 0, n),
	}

	for i := range p.conns {
		c := &Connection{Fd: -1}
		c.Read = &Event{Conn: c}
		c.Write = &Event{Conn: c, Write: true}
		p.conns[i] = c
	}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, p.conns[i])
	}

	return p
}

// Cap returns the configured capacity.
func (p *ConnPool) Cap() int {
	return len(p.conns)
}

// FreeCount returns the number of connections on the free list.
func (p *ConnPool) FreeCount() int {
	return len(p.free)
}

// Get takes a connection for fd. When the free list is empty it first asks up
// to drainBatch reusable connections to close. It returns nil when no
// connection can be had; the caller still owns fd then.
func (p *ConnPool) Get(fd int) *Connection {
	if len(p.free) == 0 {
		p.drain()
	}
	if len(p.free) == 0 {
		if p.cycle != nil {
			p.cycle.Log.Warn("connections are not enough", "capacity", len(p.conns))
		}
		return nil
	}

	c := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	rev, wev := c.Read, c.Write
	*c = Connection{Read: rev, Write: wev}
	rev.reset()
	wev.reset()

	p.number++
	c.Number = p.number
	c.Fd = fd
	c.State = ConnActive
	if p.cycle != nil {
		c.Log = p.cycle.Log
	}

	return c
}

// Free returns c to the free list without touching its fd.
func (p *ConnPool) Free(c *Connection) {
	c.Fd = -1
	c.State = ConnFree
	c.Data = nil
	c.Pool = nil
	p.free = append(p.free, c)
}

// Reusable marks c as reclaimable (or not). Reclaimable connections are idle
// keepalive clients the pool may close when it runs dry.
func (p *ConnPool) Reusable(c *Connection, on bool) {
	if c.Reusable {
		p.reusable.Remove(c.reusable)
		c.reusable = nil
	}
	c.Reusable = on
	if on {
		c.reusable = p.reusable.PushFront(c)
	}
}

// ReusableCount returns how many connections may be reclaimed.
func (p *ConnPool) ReusableCount() int {
	return p.reusable.Len()
}

// drain asks the oldest reusable connections to close themselves by running
// their read handler with Close set.
func (p *ConnPool) drain() {
	for i := 0; i < drainBatch; i++ {
		e := p.reusable.Back()
		if e == nil {
			return
		}
		c := e.Value.(*Connection)
		p.Reusable(c, false)
		c.Close = true
		c.Read.Handler(c.Read)
	}
}

// Close tears c down: timers, posted links and reactor interest go first, then
// the connection returns to the pool and the fd is closed. The arena of c is
// left to the owner.
func (p *ConnPool) Close(c *Connection) {
	if c.Fd == -1 {
		if p.cycle != nil {
			p.cycle.Log.Error("connection already closed")
		}
		return
	}

	c.State = ConnClosing

	cy := p.cycle
	if cy != nil {
		if c.Read.TimerSet {
			cy.Timers.Del(c.Read)
		}
		if c.Write.TimerSet {
			cy.Timers.Del(c.Write)
		}

		if cy.Reactor.Flags()&UseClearEvent != 0 {
			if err := cy.Reactor.DelConn(c, CloseEvent); err != nil {
				c.Log.Debug("reactor del", "fd", c.Fd, "error", err)
			}
		} else {
			if c.Read.Active {
				_ = cy.Reactor.Del(c.Read, ReadEvent, CloseEvent)
			}
			if c.Write.Active {
				_ = cy.Reactor.Del(c.Write, WriteEvent, CloseEvent)
			}
		}
	}

	DeletePosted(c.Read)
	DeletePosted(c.Write)
	c.Read.Closed = true
	c.Write.Closed = true

	p.Reusable(c, false)

	fd := c.Fd
	p.Free(c)

	if err := unix.Close(fd); err != nil && c.Log != nil {
		c.Log.Warn("close socket", "fd", fd, "error", err)
	}
}

// CloseIdle asks every idle connection to close itself. Used at graceful
// shutdown.
func (p *ConnPool) CloseIdle() {
	for _, c := range p.conns {
		if c.State == ConnFree || !c.Idle || c.Read.Handler == nil {
			continue
		}
		c.Close = true
		c.Read.Handler(c.Read)
	}
}
