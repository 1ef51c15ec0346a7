package event

import (
	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/arena"
)

// acceptHandler runs when a listening socket is readable. It accepts until the
// socket would block or the budget of the event runs out.
func (cy *Cycle) acceptHandler(ev *Event) {
	if ev.Timedout {
		if err := cy.EnableAcceptEvents(); err != nil {
			cy.Log.Error("re-enable accept", "error", err)
			return
		}
		ev.Timedout = false
	}

	lc := ev.Conn
	ls := lc.Listening

	ev.Ready = false
	if cy.MultiAccept {
		ev.Available = -1
	} else {
		ev.Available = 1
	}

	for {
		fd, sa, err := unix.Accept4(lc.Fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR:
				continue
			case unix.ECONNABORTED:
				cy.Log.Debug("accept aborted", "listen", ls.AddrText)
				if consumeAccept(ev) {
					continue
				}
				return
			case unix.EMFILE, unix.ENFILE:
				cy.Log.Error("accept", "listen", ls.AddrText, "error", err)
				cy.acceptBackoff(ev)
				return
			default:
				cy.Log.Error("accept", "listen", ls.AddrText, "error", err)
				return
			}
		}

		cy.AcceptDisabled = cy.Conns.Cap()/8 - cy.Conns.FreeCount()

		c := cy.Conns.Get(fd)
		if c == nil {
			unix.Close(fd)
			return
		}

		c.Pool = arena.Create(poolSize(ls))
		if c.Pool == nil {
			cy.Conns.Close(c)
			return
		}

		c.Sockaddr = sa
		c.AddrText = SockaddrString(sa)
		c.Listening = ls
		c.Log = cy.Log.With("conn", c.Number, "addr", c.AddrText)
		SetUnixIO(c)

		if ls.RcvBuf > 0 {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, ls.RcvBuf)
		}
		if ls.SndBuf > 0 {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, ls.SndBuf)
		}

		c.Write.Ready = true

		if cy.Reactor.Flags()&UseClearEvent != 0 {
			if err := cy.Reactor.AddConn(c); err != nil {
				c.Log.Error("register accepted connection", "error", err)
				pool := c.Pool
				cy.Conns.Close(c)
				pool.Destroy()
				return
			}
		}

		c.Log.Debug("accepted")
		ls.Handler(c)

		if !consumeAccept(ev) {
			return
		}
	}
}

// consumeAccept spends one unit of the accept budget and reports whether more
// remain.
func consumeAccept(ev *Event) bool {
	if ev.Available < 0 {
		return true
	}
	ev.Available--
	return ev.Available > 0
}

// acceptBackoff stops accepting after descriptor exhaustion. With an accept
// mutex the worker gives up its turn; otherwise a timer on the listening event
// re-enables accepting after AcceptMutexDelay.
func (cy *Cycle) acceptBackoff(ev *Event) {
	if err := cy.DisableAcceptEvents(true); err != nil {
		cy.Log.Error("disable accept", "error", err)
		return
	}

	if cy.AcceptMutex != nil {
		if cy.acceptMutexHeld {
			cy.AcceptMutex.Unlock()
			cy.acceptMutexHeld = false
		}
		cy.AcceptDisabled = 1
		return
	}

	cy.Timers.Add(ev, cy.AcceptMutexDelay)
}

func poolSize(ls *Listening) int {
	if ls.PoolSize >= arena.MinPoolSize {
		return ls.PoolSize
	}
	return arena.DefaultPoolSize
}
