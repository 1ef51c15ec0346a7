package event_test

import (
	"time"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/event"
)

func socketpair() (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	Expect(err).NotTo(HaveOccurred())
	return fds[0], fds[1]
}

var _ = Describe("ConnPool", func() {
	var (
		reactor *fakeReactor
		cy      *event.Cycle
	)

	BeforeEach(func() {
		reactor = &fakeReactor{}
		var err error
		cy, err = event.NewCycle(reactor, event.Options{Connections: 4})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should hand out connections until capacity is reached", func() {
		for i := 0; i < 4; i++ {
			Expect(cy.Conns.Get(100 + i)).NotTo(BeNil())
		}
		Expect(cy.Conns.FreeCount()).To(BeZero())
		Expect(cy.Conns.Get(200)).To(BeNil())
	})

	It("should reuse the most recently freed connection with a new generation", func() {
		c := cy.Conns.Get(100)
		rev, number := c.Read, c.Number
		c.Read.Ready = true
		c.Data = "owner"

		cy.Conns.Free(c)
		Expect(c.Fd).To(Equal(-1))
		Expect(c.State).To(Equal(event.ConnFree))

		again := cy.Conns.Get(101)
		Expect(again).To(BeIdenticalTo(c))
		Expect(again.Read).To(BeIdenticalTo(rev))
		Expect(again.Read.Conn).To(BeIdenticalTo(again))
		Expect(again.Read.Ready).To(BeFalse())
		Expect(again.Write.Write).To(BeTrue())
		Expect(again.Data).To(BeNil())
		Expect(again.Number).To(BeNumerically(">", number))
		Expect(again.State).To(Equal(event.ConnActive))
	})

	It("should reclaim reusable connections when the free list is empty", func() {
		var closed []*event.Connection
		for i := 0; i < 4; i++ {
			a, b := socketpair()
			defer unix.Close(b)

			c := cy.Conns.Get(a)
			c.Read.Handler = func(ev *event.Event) {
				Expect(ev.Conn.Close).To(BeTrue())
				closed = append(closed, ev.Conn)
				cy.Conns.Close(ev.Conn)
			}
			if i < 2 {
				cy.Conns.Reusable(c, true)
			}
		}
		Expect(cy.Conns.ReusableCount()).To(Equal(2))

		c := cy.Conns.Get(300)
		Expect(c).NotTo(BeNil())
		Expect(closed).To(HaveLen(2))
		Expect(cy.Conns.ReusableCount()).To(BeZero())
	})

	It("should release timers, posted links and the fd on close", func() {
		a, b := socketpair()
		defer unix.Close(b)

		c := cy.Conns.Get(a)
		c.Read.Handler = func(*event.Event) {}
		Expect(reactor.Add(c.Read, event.ReadEvent, 0)).To(Succeed())
		cy.Timers.Add(c.Read, time.Second)
		cy.Posted.Post(c.Write)

		cy.Conns.Close(c)

		Expect(c.Fd).To(Equal(-1))
		Expect(c.Read.TimerSet).To(BeFalse())
		Expect(c.Read.Active).To(BeFalse())
		Expect(c.Write.Posted).To(BeFalse())
		Expect(cy.Timers.Len()).To(BeZero())
		Expect(cy.Posted.Len()).To(BeZero())
		Expect(cy.Conns.FreeCount()).To(Equal(4))

		_, err := unix.Write(b, []byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("should ask idle connections to close at shutdown", func() {
		a, b := socketpair()
		defer unix.Close(b)

		c := cy.Conns.Get(a)
		c.Idle = true
		c.Read.Handler = func(ev *event.Event) {
			Expect(ev.Conn.Close).To(BeTrue())
			cy.Conns.Close(ev.Conn)
		}

		cy.Conns.CloseIdle()
		Expect(cy.Conns.FreeCount()).To(Equal(4))
		Expect(cy.Drained()).To(BeTrue())
	})
})

var _ = Describe("Unix I/O", func() {
	var (
		cy   *event.Cycle
		c    *event.Connection
		peer int
	)

	BeforeEach(func() {
		var err error
		cy, err = event.NewCycle(&fakeReactor{}, event.Options{Connections: 2})
		Expect(err).NotTo(HaveOccurred())

		var fd int
		fd, peer = socketpair()
		c = cy.Conns.Get(fd)
		event.SetUnixIO(c)
	})

	AfterEach(func() {
		unix.Close(peer)
		if c.Fd != -1 {
			cy.Conns.Close(c)
		}
	})

	It("should clear ready when the socket has nothing to read", func() {
		c.Read.Ready = true
		n, err := c.Recv(c, make([]byte, 16))
		Expect(err).To(MatchError(event.ErrAgain))
		Expect(n).To(BeZero())
		Expect(c.Read.Ready).To(BeFalse())
	})

	It("should count received bytes and flag a short read", func() {
		_, err := unix.Write(peer, []byte("hello"))
		Expect(err).NotTo(HaveOccurred())

		c.Read.Ready = true
		buf := make([]byte, 16)
		n, err := c.Recv(c, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf[:n])).To(Equal("hello"))
		Expect(c.Received).To(Equal(int64(5)))
		Expect(c.Read.Ready).To(BeFalse())
	})

	It("should report end of stream", func() {
		unix.Shutdown(peer, unix.SHUT_WR)
		n, err := c.Recv(c, make([]byte, 16))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(c.Read.EOF).To(BeTrue())

		closed, err := event.PeekClosed(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(closed).To(BeTrue())
	})

	It("should gather buffers into one write", func() {
		n, err := c.SendV(c, [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(6))
		Expect(c.Sent).To(Equal(int64(6)))

		buf := make([]byte, 16)
		m, err := unix.Read(peer, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf[:m])).To(Equal("abcdef"))
	})

	It("should not mistake buffered data for a closed peer", func() {
		_, err := unix.Write(peer, []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		closed, err := event.PeekClosed(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(closed).To(BeFalse())
	})
})
