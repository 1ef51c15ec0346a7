package event

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen backlog when none is configured.
const DefaultBacklog = 511

// Listening is a bound non-blocking listening socket and the per-connection
// settings of the connections accepted from it.
type Listening struct {
	Fd       int
	Sockaddr unix.Sockaddr
	AddrText string

	Backlog  int
	PoolSize int
	RcvBuf   int
	SndBuf   int

	// Handler takes over every accepted connection.
	Handler func(c *Connection)

	// Conn is the pool connection whose read event the accept mutex arms.
	Conn *Connection
}

// Listen opens a non-blocking TCP listening socket on addr.
func Listen(addr string, backlog int) (*Listening, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		tcp, rerr := net.ResolveTCPAddr("tcp", addr)
		if rerr != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, rerr)
		}
		ap = tcp.AddrPort()
	}
	sa := SockaddrFromAddrPort(ap)

	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt(SO_REUSEADDR) %s: %w", addr, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return FromFd(fd, backlog)
}

// FromFd wraps an already listening socket, typically inherited from the
// master process.
func FromFd(fd int, backlog int) (*Listening, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock fd %d: %w", fd, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname fd %d: %w", fd, err)
	}
	return &Listening{
		Fd:       fd,
		Sockaddr: sa,
		AddrText: SockaddrString(sa),
		Backlog:  backlog,
	}, nil
}

// Close closes the listening socket. The pool connection, if any, must have
// been closed through the pool instead.
func (ls *Listening) Close() error {
	if ls.Conn != nil || ls.Fd < 0 {
		return nil
	}
	err := unix.Close(ls.Fd)
	ls.Fd = -1
	return err
}

// SockaddrFromAddrPort converts a netip address to a socket address.
func SockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if z := addr.Zone(); z != "" {
		if ifi, err := net.InterfaceByName(z); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

// SockaddrString renders a socket address as host:port.
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return "unix:" + a.Name
	case nil:
		return ""
	}
	return fmt.Sprintf("%T", sa)
}
