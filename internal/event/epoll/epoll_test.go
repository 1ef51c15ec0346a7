package epoll_test

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/event/epoll"
)

var _ = Describe("Reactor", func() {
	var (
		r  *epoll.Reactor
		cy *event.Cycle
	)

	BeforeEach(func() {
		r = epoll.New(16)
		var err error
		cy, err = event.NewCycle(r, event.Options{Connections: 8})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(r.Done)
	})

	pair := func() (*event.Connection, int) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(unix.Close, fds[1])

		c := cy.Conns.Get(fds[0])
		event.SetUnixIO(c)
		c.Read.Handler = func(*event.Event) {}
		c.Write.Handler = func(*event.Event) {}
		return c, fds[1]
	}

	It("should advertise edge-triggered notification", func() {
		Expect(r.Flags() & event.UseClearEvent).NotTo(BeZero())
	})

	It("should report a writable connection after AddConn", func() {
		c, _ := pair()
		writable := false
		c.Write.Handler = func(ev *event.Event) { writable = ev.Ready }
		Expect(r.AddConn(c)).To(Succeed())

		Expect(r.ProcessEvents(100, 0)).To(Succeed())
		Expect(writable).To(BeTrue())
		cy.Conns.Close(c)
	})

	It("should report readable data once per edge", func() {
		c, peer := pair()
		Expect(r.AddConn(c)).To(Succeed())
		Expect(r.ProcessEvents(100, 0)).To(Succeed())

		reads := 0
		c.Read.Handler = func(ev *event.Event) { reads++ }
		_, err := unix.Write(peer, []byte("ping"))
		Expect(err).NotTo(HaveOccurred())

		Expect(r.ProcessEvents(100, 0)).To(Succeed())
		Expect(reads).To(Equal(1))
		Expect(c.Read.Ready).To(BeTrue())

		Expect(r.ProcessEvents(10, 0)).To(Succeed())
		Expect(reads).To(Equal(1))
		cy.Conns.Close(c)
	})

	It("should flag a peer shutdown as pending end of stream", func() {
		c, peer := pair()
		Expect(r.AddConn(c)).To(Succeed())
		Expect(unix.Shutdown(peer, unix.SHUT_WR)).To(Succeed())

		Expect(r.ProcessEvents(100, 0)).To(Succeed())
		Expect(c.Read.PendingEOF).To(BeTrue())
		cy.Conns.Close(c)
	})

	It("should post instead of dispatching when asked", func() {
		c, _ := pair()
		called := false
		c.Write.Handler = func(*event.Event) { called = true }
		Expect(r.AddConn(c)).To(Succeed())

		Expect(r.ProcessEvents(100, event.PostEvents)).To(Succeed())
		Expect(called).To(BeFalse())
		Expect(cy.Posted.Len()).To(Equal(1))

		cy.Posted.Process()
		Expect(called).To(BeTrue())
		cy.Conns.Close(c)
	})

	It("should drop events for a connection that was recycled", func() {
		c, _ := pair()
		Expect(r.AddConn(c)).To(Succeed())

		called := false
		c.Write.Handler = func(*event.Event) { called = true }
		c.Number += 1000

		Expect(r.ProcessEvents(100, 0)).To(Succeed())
		Expect(called).To(BeFalse())
		cy.Conns.Close(c)
	})

	It("should accept connections through the cycle", func() {
		ls, err := event.Listen("127.0.0.1:0", 0)
		Expect(err).NotTo(HaveOccurred())

		var accepted []string
		ls.Handler = func(c *event.Connection) {
			Expect(c.Read.Active).To(BeTrue())
			Expect(c.Write.Ready).To(BeTrue())
			accepted = append(accepted, c.AddrText)
			pool := c.Pool
			cy.Conns.Close(c)
			pool.Destroy()
		}
		cy.MultiAccept = true
		Expect(cy.OpenListening(ls)).To(Succeed())
		DeferCleanup(cy.CloseListening)

		var clients []net.Conn
		for i := 0; i < 3; i++ {
			conn, err := net.Dial("tcp", ls.AddrText)
			Expect(err).NotTo(HaveOccurred())
			clients = append(clients, conn)
		}
		defer func() {
			for _, conn := range clients {
				conn.Close()
			}
		}()

		Eventually(func() int {
			Expect(cy.ProcessEventsAndTimers()).To(Succeed())
			return len(accepted)
		}, time.Second).Should(Equal(3))
	})

	Context("when accepting", func() {
		var ls *event.Listening

		listen := func(handler func(c *event.Connection)) {
			var err error
			ls, err = event.Listen("127.0.0.1:0", 0)
			Expect(err).NotTo(HaveOccurred())
			ls.Handler = handler
			Expect(cy.OpenListening(ls)).To(Succeed())
			DeferCleanup(cy.CloseListening)
		}

		dial := func(n int) []net.Conn {
			var clients []net.Conn
			for i := 0; i < n; i++ {
				conn, err := net.Dial("tcp", ls.AddrText)
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(conn.Close)
				clients = append(clients, conn)
			}
			return clients
		}

		release := func(c *event.Connection) {
			pool := c.Pool
			cy.Conns.Close(c)
			pool.Destroy()
		}

		It("should close sockets at once when the pool is exhausted", func() {
			small, err := event.NewCycle(epoll.New(16), event.Options{Connections: 2})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(small.Reactor.Done)
			cy = small

			var kept []*event.Connection
			listen(func(c *event.Connection) { kept = append(kept, c) })
			DeferCleanup(func() {
				for _, c := range kept {
					release(c)
				}
			})

			clients := dial(3)
			closed := make([]bool, len(clients))
			tick := &event.Event{Handler: func(*event.Event) {}}
			one := make([]byte, 1)

			Eventually(func() int {
				if !tick.TimerSet {
					cy.Timers.Add(tick, 20*time.Millisecond)
				}
				Expect(cy.ProcessEventsAndTimers()).To(Succeed())

				n := 0
				for i, conn := range clients {
					if !closed[i] {
						Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))).To(Succeed())
						_, err := conn.Read(one)
						var ne net.Error
						closed[i] = err != nil && !(errors.As(err, &ne) && ne.Timeout())
					}
					if closed[i] {
						n++
					}
				}
				return n
			}, 2*time.Second).Should(Equal(2))

			if tick.TimerSet {
				cy.Timers.Del(tick)
			}
			Expect(kept).To(HaveLen(1))
			Expect(cy.Conns.FreeCount()).To(BeZero())
		})

		It("should take one connection per readiness without multi accept", func() {
			var accepted int
			listen(func(c *event.Connection) {
				accepted++
				release(c)
			})
			Expect(cy.MultiAccept).To(BeFalse())

			dial(3)

			for want := 1; want <= 3; want++ {
				Expect(r.ProcessEvents(1000, 0)).To(Succeed())
				Expect(accepted).To(Equal(want))
			}
		})

		It("should drain the backlog in one readiness with multi accept", func() {
			var accepted int
			listen(func(c *event.Connection) {
				accepted++
				release(c)
			})
			cy.MultiAccept = true

			dial(3)

			Expect(r.ProcessEvents(1000, 0)).To(Succeed())
			Expect(accepted).To(Equal(3))
		})
	})
})
