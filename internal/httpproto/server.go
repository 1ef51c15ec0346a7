package httpproto

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/reqbody"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

// Conf holds the client side settings of a server.
type Conf struct {
	// HeaderBufferSize bounds the request line and headers.
	HeaderBufferSize int
	HeaderTimeout    time.Duration

	KeepaliveTimeout time.Duration
	// KeepaliveRequests closes a connection after that many requests; zero
	// is no cap.
	KeepaliveRequests int

	// SendTimeout bounds a stalled write of an error page.
	SendTimeout time.Duration

	LingeringTimeout time.Duration
	LingeringTime    time.Duration

	RequestPoolSize int

	Body reqbody.Conf

	// UpstreamKeepalive asks backends to keep connections open.
	UpstreamKeepalive bool
	// RewriteRedirects maps Location headers pointing at a backend back to
	// the host the client asked for.
	RewriteRedirects bool
	// CacheMethods lists the methods whose responses may be cached.
	CacheMethods []string
}

// DefaultConf returns the usual client side defaults.
func DefaultConf() *Conf {
	return &Conf{
		HeaderBufferSize:  8192,
		HeaderTimeout:     60 * time.Second,
		KeepaliveTimeout:  75 * time.Second,
		KeepaliveRequests: 1000,
		SendTimeout:       60 * time.Second,
		LingeringTimeout:  5 * time.Second,
		LingeringTime:     30 * time.Second,
		RequestPoolSize:   arena.DefaultPoolSize,
		Body: reqbody.Conf{
			BufferSize: 16 * 1024,
			MaxSize:    1 << 20,
			Timeout:    60 * time.Second,
		},
		RewriteRedirects: true,
		CacheMethods:     []string{"GET", "HEAD"},
	}
}

// Server serves the connections accepted by one worker.
type Server struct {
	Conf     *Conf
	Upstream *upstream.Conf
	Cycle    *event.Cycle
	Log      *slog.Logger

	// Reporter receives one event per finished request.
	Reporter upstream.Reporter
	// Requests counts requests read, when set.
	Requests *atomic.Int64
}

func (s *Server) levelTriggered() bool {
	return s.Cycle.Reactor.Flags()&event.UseLevelEvent != 0
}

// Init takes over a freshly accepted connection. It is the Handler of the
// listening sockets.
func (s *Server) Init(c *event.Connection) {
	c.Read.Handler = s.waitRequest
	c.Write.Handler = emptyHandler

	if c.Read.Ready {
		s.waitRequest(c.Read)
		return
	}

	if s.Conf.HeaderTimeout > 0 {
		s.Cycle.Timers.Add(c.Read, s.Conf.HeaderTimeout)
	}
	s.Cycle.Conns.Reusable(c, true)

	if err := s.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		s.closeConnection(c)
	}
}

func emptyHandler(*event.Event) {}

// waitRequest runs on a connection with no request yet: fresh or kept alive.
func (s *Server) waitRequest(ev *event.Event) {
	c := ev.Conn

	if ev.Timedout || c.Close {
		c.Log.Debug("closing idle connection", "timedout", ev.Timedout)
		s.closeConnection(c)
		return
	}

	closed, _ := event.PeekClosed(c)
	if closed {
		s.closeConnection(c)
		return
	}

	s.Cycle.Conns.Reusable(c, false)
	c.Idle = false

	r := newRequest(s, c)
	if r == nil {
		s.closeConnection(c)
		return
	}
	c.Data = r
	c.Read.Handler = r.readHeader
	r.readHeader(c.Read)
}

// keepalive parks c until its next request.
func (s *Server) keepalive(c *event.Connection) {
	c.Requests++
	c.Data = nil

	if s.levelTriggered() && c.Write.Active {
		_ = s.Cycle.Reactor.Del(c.Write, event.WriteEvent, 0)
	}
	if c.Write.TimerSet {
		s.Cycle.Timers.Del(c.Write)
	}

	c.Idle = true
	c.Timedout = false
	c.Read.Handler = s.waitRequest
	c.Write.Handler = emptyHandler
	c.Read.Cancelable = true

	if s.Conf.KeepaliveTimeout > 0 {
		s.Cycle.Timers.Add(c.Read, s.Conf.KeepaliveTimeout)
	}
	s.Cycle.Conns.Reusable(c, true)

	c.Log.Debug("set http keepalive handler", "requests", c.Requests)

	if c.Read.Ready {
		s.Cycle.Posted.Post(c.Read)
		return
	}
	if err := s.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		s.closeConnection(c)
	}
}

// lingeringClose stops sending and discards what the client still sends, so
// the client reads the response before the connection is reset.
func (s *Server) lingeringClose(c *event.Connection) {
	if err := unix.Shutdown(c.Fd, unix.SHUT_WR); err != nil {
		s.closeConnection(c)
		return
	}

	deadline := s.Cycle.Clock.Msec() + s.Conf.LingeringTime.Milliseconds()
	c.Write.Handler = emptyHandler
	c.Read.Handler = func(ev *event.Event) {
		if ev.Timedout || s.Cycle.Clock.Msec() >= deadline {
			s.closeConnection(c)
			return
		}

		var discard [4096]byte
		for {
			n, err := c.Recv(c, discard[:])
			if errors.Is(err, event.ErrAgain) {
				break
			}
			if err != nil || n == 0 {
				s.closeConnection(c)
				return
			}
		}

		timeout := min(s.Conf.LingeringTimeout, time.Duration(deadline-s.Cycle.Clock.Msec())*time.Millisecond)
		s.Cycle.Timers.Add(c.Read, timeout)
		if err := s.Cycle.HandleReadEvent(c.Read, 0); err != nil {
			s.closeConnection(c)
		}
	}

	c.Read.Handler(c.Read)
}

func (s *Server) closeConnection(c *event.Connection) {
	if c.Fd == -1 {
		return
	}
	c.Log.Debug("close http connection")
	pool := c.Pool
	s.Cycle.Conns.Close(c)
	if pool != nil {
		pool.Destroy()
	}
}
