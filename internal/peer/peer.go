// Package peer connects to upstream servers on behalf of a request. The choice
// of server is delegated to a Policy; Connect only opens the socket.
package peer

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/event"
)

// ErrBusy is returned by Policy.Get when no server is available.
var ErrBusy = errors.New("peer: no live upstreams")

// FreeState tells the policy how an attempt ended.
type FreeState int

const (
	// FreeKeepalive means the attempt finished cleanly.
	FreeKeepalive FreeState = iota
	// FreeNext means the attempt failed without the server being at fault.
	FreeNext
	// FreeFailed means the server failed and counts against it.
	FreeFailed
	// FreeStale means a cached connection turned out to be closed. The server
	// is not blamed and the try is not consumed.
	FreeStale
)

func (s FreeState) String() string {
	switch s {
	case FreeKeepalive:
		return "keepalive"
	case FreeNext:
		return "next"
	case FreeFailed:
		return "failed"
	case FreeStale:
		return "stale"
	}
	return "unknown"
}

// Policy picks servers for one request.
type Policy interface {
	// Init prepares per-request state in pc.Data and sets pc.Tries.
	Init(pc *Conn) error
	// Get fills pc.Sockaddr and pc.Name. It returns ErrBusy when nothing is
	// available and event.ErrDone when it put a cached connection in pc.Conn.
	Get(pc *Conn) error
	// Free reports the end of the current attempt.
	Free(pc *Conn, state FreeState)
}

// Conn is an outbound connection attempt and the policy state that produced it.
type Conn struct {
	Conn *event.Connection

	Sockaddr unix.Sockaddr
	Name     string

	// Tries is the number of attempts left, the current one included.
	Tries int

	Cached    bool
	KeepAlive bool

	// Started is the clock time of the current attempt in milliseconds.
	Started int64

	Policy Policy
	Data   any

	// HashKey feeds hash-based policies, typically the client address.
	HashKey string

	RcvBuf int
	Log    *slog.Logger

	// SetSession runs before a new connection is opened, to restore a saved
	// TLS session; an error fails the attempt locally. SaveSession runs when a
	// connection is released in good state.
	SetSession  func(pc *Conn) error
	SaveSession func(pc *Conn)
}

// Connect starts a non-blocking connect to the server the policy picks. It
// returns nil when connected, event.ErrAgain while the connect is in
// progress, event.ErrDone for a cached connection, ErrBusy when the policy has
// nothing, and an error wrapping event.ErrDeclined when the server refused.
// Other errors are local failures.
func Connect(pc *Conn, cy *event.Cycle) error {
	pc.Started = cy.Clock.Msec()
	pc.Cached = false
	pc.Conn = nil

	if err := pc.Policy.Get(pc); err != nil {
		return err
	}

	if pc.SetSession != nil {
		if err := pc.SetSession(pc); err != nil {
			return fmt.Errorf("set session for %s: %w", pc.Name, err)
		}
	}

	family := unix.AF_INET
	switch pc.Sockaddr.(type) {
	case *unix.SockaddrInet6:
		family = unix.AF_INET6
	case *unix.SockaddrUnix:
		family = unix.AF_UNIX
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket for %s: %w", pc.Name, err)
	}

	if pc.RcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, pc.RcvBuf); err != nil {
			unix.Close(fd)
			return fmt.Errorf("setsockopt(SO_RCVBUF) for %s: %w", pc.Name, err)
		}
	}

	c := cy.Conns.Get(fd)
	if c == nil {
		unix.Close(fd)
		return fmt.Errorf("no free connection for %s", pc.Name)
	}

	event.SetUnixIO(c)
	c.Sockaddr = pc.Sockaddr
	c.AddrText = pc.Name
	if pc.Log != nil {
		c.Log = pc.Log.With("peer", pc.Name)
	}

	edge := cy.Reactor.Flags()&event.UseClearEvent != 0
	if edge {
		if err := cy.Reactor.AddConn(c); err != nil {
			cy.Conns.Close(c)
			return fmt.Errorf("register connection to %s: %w", pc.Name, err)
		}
	}

	cerr := unix.Connect(fd, pc.Sockaddr)
	if cerr != nil && cerr != unix.EINPROGRESS {
		c.Log.Warn("connect failed", "peer", pc.Name, "error", cerr)
		cy.Conns.Close(c)
		return fmt.Errorf("%w: connect to %s: %w", event.ErrDeclined, pc.Name, cerr)
	}

	pc.Conn = c

	if !edge {
		if err := cy.Reactor.Add(c.Read, event.ReadEvent, 0); err != nil {
			return fmt.Errorf("register connection to %s: %w", pc.Name, err)
		}
		if cerr != nil {
			if err := cy.Reactor.Add(c.Write, event.WriteEvent, 0); err != nil {
				return fmt.Errorf("register connection to %s: %w", pc.Name, err)
			}
		}
	}

	if cerr != nil {
		return event.ErrAgain
	}

	c.Write.Ready = true
	return nil
}

// TestConnect reports the outcome of a non-blocking connect once the socket
// became writable.
func TestConnect(c *event.Connection) error {
	if err := event.SocketError(c.Fd); err != nil {
		c.Write.Error = true
		c.Read.Error = true
		return fmt.Errorf("connect to %s: %w", c.AddrText, err)
	}
	return nil
}
