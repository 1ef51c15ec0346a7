package peer

import (
	"container/list"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/event"
)

// Keepalive wraps a Policy with a cache of idle upstream connections. A
// cached connection is reused for the next request to the same server; it is
// closed when the server sends anything while idle, when it stays idle for
// Timeout, or when the cache overflows.
type Keepalive struct {
	Policy Policy
	Cycle  *event.Cycle

	// MaxCached bounds the cache; the least recently used entry is evicted.
	MaxCached int
	// Timeout closes connections idle this long; zero keeps them.
	Timeout time.Duration
	// MaxRequests closes a connection after that many requests; zero is no cap.
	MaxRequests int

	cache list.List
}

type cached struct {
	conn  *event.Connection
	name  string
	elem  *list.Element
	owner *Keepalive
}

func NewKeepalive(p Policy, cy *event.Cycle, maxCached int, timeout time.Duration) *Keepalive {
	return &Keepalive{
		Policy:    p,
		Cycle:     cy,
		MaxCached: maxCached,
		Timeout:   timeout,
	}
}

// Cached returns the number of idle connections in the cache.
func (k *Keepalive) Cached() int {
	return k.cache.Len()
}

func (k *Keepalive) Init(pc *Conn) error {
	return k.Policy.Init(pc)
}

// Get asks the wrapped policy for a server and hands out an idle connection
// to it when one is cached.
func (k *Keepalive) Get(pc *Conn) error {
	pc.Cached = false

	if err := k.Policy.Get(pc); err != nil {
		return err
	}

	for e := k.cache.Front(); e != nil; e = e.Next() {
		item := e.Value.(*cached)
		if item.name != pc.Name {
			continue
		}

		k.cache.Remove(e)
		c := item.conn
		k.Cycle.Timers.Del(c.Read)
		c.Idle = false
		c.Data = nil
		c.Read.Handler = nil
		c.Write.Handler = nil
		c.Read.Cancelable = false

		pc.Conn = c
		pc.Cached = true
		return event.ErrDone
	}

	return nil
}

// Free caches the connection of a cleanly finished attempt, then lets the
// wrapped policy account for the attempt.
func (k *Keepalive) Free(pc *Conn, state FreeState) {
	if state == FreeKeepalive && k.cacheable(pc) {
		k.put(pc)
	}
	k.Policy.Free(pc, state)
}

func (k *Keepalive) cacheable(pc *Conn) bool {
	c := pc.Conn
	if c == nil || !pc.KeepAlive || k.MaxCached <= 0 || k.Cycle.Exiting {
		return false
	}
	if c.Read.EOF || c.Read.PendingEOF || c.Read.Error || c.Read.Timedout || c.Write.Error || c.Write.Timedout {
		return false
	}
	c.Requests++
	if k.MaxRequests > 0 && c.Requests >= k.MaxRequests {
		return false
	}
	return true
}

func (k *Keepalive) put(pc *Conn) {
	c := pc.Conn

	if c.Write.TimerSet {
		k.Cycle.Timers.Del(c.Write)
	}
	if err := k.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		return
	}

	if k.cache.Len() >= k.MaxCached {
		oldest := k.cache.Back().Value.(*cached)
		oldest.close()
	}

	item := &cached{conn: c, name: pc.Name, owner: k}
	item.elem = k.cache.PushFront(item)

	c.Idle = true
	c.Data = item
	c.Read.Handler = closeHandler
	c.Write.Handler = func(*event.Event) {}
	c.Read.Timedout = false
	if k.Timeout > 0 {
		c.Read.Cancelable = true
		k.Cycle.Timers.Add(c.Read, k.Timeout)
	}

	pc.Conn = nil
}

// closeHandler runs on an idle connection: any readiness means the server
// closed it or sent something unexpected.
func closeHandler(ev *event.Event) {
	c := ev.Conn
	item := c.Data.(*cached)

	if !ev.Timedout && !c.Close {
		var b [1]byte
		_, _, err := unix.Recvfrom(c.Fd, b[:], unix.MSG_PEEK)
		if errors.Is(err, unix.EAGAIN) {
			ev.Ready = false
			if item.owner.Cycle.HandleReadEvent(ev, 0) == nil {
				return
			}
		}
	}

	item.close()
}

func (item *cached) close() {
	k := item.owner
	k.cache.Remove(item.elem)
	item.conn.Log.Debug("close idle upstream connection", "peer", item.name)
	k.Cycle.Conns.Close(item.conn)
}
