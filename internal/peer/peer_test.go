package peer_test

import (
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/event/epoll"
	"github.com/angeloszaimis/evproxy/internal/peer"
)

type fixedPolicy struct {
	sa    unix.Sockaddr
	name  string
	busy  bool
	frees []peer.FreeState
}

func (p *fixedPolicy) Init(pc *peer.Conn) error {
	pc.Tries = 1
	return nil
}

func (p *fixedPolicy) Get(pc *peer.Conn) error {
	if p.busy {
		return peer.ErrBusy
	}
	pc.Sockaddr = p.sa
	pc.Name = p.name
	return nil
}

func (p *fixedPolicy) Free(_ *peer.Conn, state peer.FreeState) {
	p.frees = append(p.frees, state)
}

func loopback() (net.Listener, *fixedPolicy) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(ln.Close)

	ap := netip.MustParseAddrPort(ln.Addr().String())
	return ln, &fixedPolicy{sa: event.SockaddrFromAddrPort(ap), name: ln.Addr().String()}
}

// connected drives the reactor until the connect of pc completes.
func connected(cy *event.Cycle, pc *peer.Conn, err error) {
	if err == nil {
		return
	}
	Expect(err).To(MatchError(event.ErrAgain))

	done := false
	pc.Conn.Write.Handler = func(*event.Event) { done = true }
	pc.Conn.Read.Handler = func(*event.Event) {}
	Eventually(func() bool {
		Expect(cy.Reactor.ProcessEvents(50, event.UpdateTime)).To(Succeed())
		return done
	}, time.Second).Should(BeTrue())
	Expect(peer.TestConnect(pc.Conn)).To(Succeed())
}

var _ = Describe("Connect", func() {
	var cy *event.Cycle

	BeforeEach(func() {
		r := epoll.New(16)
		var err error
		cy, err = event.NewCycle(r, event.Options{Connections: 8})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(r.Done)
	})

	It("should connect to the server the policy picks", func() {
		ln, policy := loopback()
		pc := &peer.Conn{Policy: policy}

		err := peer.Connect(pc, cy)
		connected(cy, pc, err)
		Expect(pc.Conn.AddrText).To(Equal(ln.Addr().String()))
		Expect(pc.Conn.Read.Active).To(BeTrue())
		Expect(pc.Cached).To(BeFalse())

		server, err := ln.Accept()
		Expect(err).NotTo(HaveOccurred())
		defer server.Close()

		n, err := pc.Conn.Send(pc.Conn, []byte("hi"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		cy.Conns.Close(pc.Conn)
	})

	It("should restore the session before opening the socket", func() {
		_, policy := loopback()
		var named string
		pc := &peer.Conn{
			Policy: policy,
			SetSession: func(pc *peer.Conn) error {
				named = pc.Name
				Expect(pc.Conn).To(BeNil())
				return nil
			},
		}

		err := peer.Connect(pc, cy)
		connected(cy, pc, err)
		Expect(named).To(Equal(policy.name))
		cy.Conns.Close(pc.Conn)
	})

	It("should fail locally when the session cannot be restored", func() {
		_, policy := loopback()
		broken := errors.New("bad session")
		pc := &peer.Conn{
			Policy:     policy,
			SetSession: func(*peer.Conn) error { return broken },
		}

		err := peer.Connect(pc, cy)
		Expect(err).To(MatchError(broken))
		Expect(err).NotTo(MatchError(event.ErrDeclined))
		Expect(pc.Conn).To(BeNil())
		Expect(cy.Conns.FreeCount()).To(Equal(8))
	})

	It("should pass ErrBusy through without opening a socket", func() {
		_, policy := loopback()
		policy.busy = true
		pc := &peer.Conn{Policy: policy}

		Expect(peer.Connect(pc, cy)).To(MatchError(peer.ErrBusy))
		Expect(pc.Conn).To(BeNil())
		Expect(cy.Conns.FreeCount()).To(Equal(8))
	})

	It("should decline a server that refuses at once", func() {
		policy := &fixedPolicy{
			sa:   &unix.SockaddrUnix{Name: filepath.Join(GinkgoT().TempDir(), "missing.sock")},
			name: "unix:missing.sock",
		}
		pc := &peer.Conn{Policy: policy}

		err := peer.Connect(pc, cy)
		Expect(err).To(MatchError(event.ErrDeclined))
		Expect(pc.Conn).To(BeNil())
		Expect(cy.Conns.FreeCount()).To(Equal(8))
	})
})

var _ = Describe("Keepalive", func() {
	var (
		cy     *event.Cycle
		ln     net.Listener
		policy *fixedPolicy
		ka     *peer.Keepalive
	)

	BeforeEach(func() {
		r := epoll.New(16)
		var err error
		cy, err = event.NewCycle(r, event.Options{Connections: 8})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(r.Done)

		ln, policy = loopback()
		ka = peer.NewKeepalive(policy, cy, 1, time.Minute)
	})

	open := func() (*peer.Conn, net.Conn) {
		pc := &peer.Conn{Policy: ka}
		Expect(ka.Init(pc)).To(Succeed())
		err := peer.Connect(pc, cy)
		connected(cy, pc, err)

		server, err := ln.Accept()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() error {
			if err := server.Close(); !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
		return pc, server
	}

	It("should hand a finished connection to the next request", func() {
		pc, _ := open()
		c := pc.Conn
		pc.KeepAlive = true
		ka.Free(pc, peer.FreeKeepalive)

		Expect(pc.Conn).To(BeNil())
		Expect(ka.Cached()).To(Equal(1))
		Expect(c.Idle).To(BeTrue())
		Expect(policy.frees).To(Equal([]peer.FreeState{peer.FreeKeepalive}))

		next := &peer.Conn{Policy: ka}
		Expect(peer.Connect(next, cy)).To(MatchError(event.ErrDone))
		Expect(next.Cached).To(BeTrue())
		Expect(next.Conn).To(BeIdenticalTo(c))
		Expect(c.Idle).To(BeFalse())
		Expect(ka.Cached()).To(BeZero())
		cy.Conns.Close(c)
	})

	It("should not cache a connection the server will not keep", func() {
		pc, _ := open()
		ka.Free(pc, peer.FreeKeepalive)
		Expect(pc.Conn).NotTo(BeNil())
		Expect(ka.Cached()).To(BeZero())
		cy.Conns.Close(pc.Conn)
	})

	It("should not cache after a failure", func() {
		pc, _ := open()
		pc.KeepAlive = true
		ka.Free(pc, peer.FreeFailed)
		Expect(ka.Cached()).To(BeZero())
		cy.Conns.Close(pc.Conn)
	})

	It("should close an idle connection the server closed", func() {
		pc, server := open()
		pc.KeepAlive = true
		ka.Free(pc, peer.FreeKeepalive)
		Expect(ka.Cached()).To(Equal(1))

		Expect(server.Close()).To(Succeed())
		Eventually(func() int {
			Expect(cy.ProcessEventsAndTimers()).To(Succeed())
			return ka.Cached()
		}, time.Second).Should(BeZero())
		Expect(cy.Conns.FreeCount()).To(Equal(8))
	})

	It("should evict the least recently cached connection", func() {
		first, _ := open()
		second, _ := open()
		firstConn := first.Conn

		first.KeepAlive = true
		second.KeepAlive = true
		ka.Free(first, peer.FreeKeepalive)
		ka.Free(second, peer.FreeKeepalive)

		Expect(ka.Cached()).To(Equal(1))
		Expect(firstConn.State).To(Equal(event.ConnFree))
	})

	It("should close idle connections when they time out", func() {
		pc, _ := open()
		pc.KeepAlive = true
		ka.Free(pc, peer.FreeKeepalive)

		cy.Clock.Advance(2 * time.Minute)
		cy.Timers.Expire()
		Expect(ka.Cached()).To(BeZero())
	})
})
