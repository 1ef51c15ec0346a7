package reqbody_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/event/poll"
	"github.com/angeloszaimis/evproxy/internal/reqbody"
)

// collect concatenates a body chain, reading file parts back.
func collect(chain []*buf.Buf) []byte {
	var out bytes.Buffer
	for _, b := range chain {
		if !b.InFile {
			out.Write(b.Bytes())
			continue
		}
		p := make([]byte, b.FileLast-b.FilePos)
		_, err := b.File.ReadAt(p, b.FilePos)
		Expect(err).NotTo(HaveOccurred())
		out.Write(p)
	}
	return out.Bytes()
}

var _ = Describe("Reader", func() {
	var (
		cy       *event.Cycle
		conn     *event.Connection
		peerFd   int
		pool     *arena.Pool
		conf     *reqbody.Conf
		r        *reqbody.Reader
		result   error
		finished bool
	)

	done := func(err error) {
		Expect(finished).To(BeFalse(), "done called twice")
		finished = true
		result = err
	}

	wait := func() {
		tick := &event.Event{Handler: func(*event.Event) {}}
		deadline := time.Now().Add(5 * time.Second)
		for !finished && time.Now().Before(deadline) {
			if !tick.TimerSet {
				cy.Timers.Add(tick, 20*time.Millisecond)
			}
			_ = cy.ProcessEventsAndTimers()
		}
		if tick.TimerSet {
			cy.Timers.Del(tick)
		}
		Expect(finished).To(BeTrue())
	}

	send := func(s string) {
		_, err := unix.Write(peerFd, []byte(s))
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error
		cy, err = event.NewCycle(poll.New(), event.Options{Connections: 4})
		Expect(err).NotTo(HaveOccurred())

		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		Expect(err).NotTo(HaveOccurred())
		conn = cy.Conns.Get(fds[0])
		event.SetUnixIO(conn)
		conn.Write.Ready = true
		peerFd = fds[1]
		DeferCleanup(func() {
			unix.Close(peerFd)
			if conn.Fd != -1 {
				cy.Conns.Close(conn)
			}
		})

		pool = arena.Create(arena.DefaultPoolSize)
		DeferCleanup(pool.Destroy)

		conf = &reqbody.Conf{BufferSize: 64, Timeout: 2 * time.Second, TempPath: GinkgoT().TempDir()}
		finished = false
		result = nil

		r = &reqbody.Reader{
			Conf:  conf,
			Cycle: cy,
			Conn:  conn,
			Pool:  pool,
			Log:   slog.New(slog.NewTextHandler(GinkgoWriter, nil)),
		}
	})

	It("should finish at once without a body", func() {
		r.Read(nil, done)

		Expect(finished).To(BeTrue())
		Expect(result).NotTo(HaveOccurred())
		Expect(r.Bufs).To(BeEmpty())
	})

	It("should take a body that came with the header from the preread buffer", func() {
		pre := buf.New([]byte("HEADERhello|next request"))
		pre.Pos, pre.Last = 6, 24
		r.Length = 5

		r.Read(pre, done)

		Expect(finished).To(BeTrue())
		Expect(result).NotTo(HaveOccurred())
		Expect(string(collect(r.Bufs))).To(Equal("hello"))
		Expect(string(pre.Bytes())).To(Equal("|next request"))
	})

	It("should read the rest of the body after the preread part", func() {
		pre := buf.New([]byte("HEADERhel"))
		pre.Pos, pre.Last = 6, 9
		r.Length = 11

		r.Read(pre, done)
		Expect(finished).To(BeFalse())

		send("lo world")
		wait()

		Expect(result).NotTo(HaveOccurred())
		Expect(string(collect(r.Bufs))).To(Equal("hello world"))
		Expect(r.TempFile()).To(BeNil())
	})

	It("should spill a body larger than the buffer to a temp file", func() {
		conf.BufferSize = 16
		body := bytes.Repeat([]byte("0123456789"), 10)
		r.Length = int64(len(body))

		send(string(body))
		r.Read(nil, done)
		wait()

		Expect(result).NotTo(HaveOccurred())
		Expect(r.TempFile()).NotTo(BeNil())
		Expect(collect(r.Bufs)).To(Equal(body))
		Expect(r.Bufs[0].InFile).To(BeTrue())
	})

	It("should report a client that closes early", func() {
		r.Length = 10
		send("abc")
		Expect(unix.Shutdown(peerFd, unix.SHUT_WR)).To(Succeed())

		r.Read(nil, done)
		wait()

		Expect(result).To(MatchError(reqbody.ErrPrematureClose))
		Expect(reqbody.Status(result)).To(Equal(400))
		Expect(conn.Error).To(BeTrue())
	})

	It("should tell a failed read apart from an early close", func() {
		conn.Recv = func(*event.Connection, []byte) (int, error) {
			return 0, fmt.Errorf("recv: %w", unix.EIO)
		}
		r.Length = 10
		send("abc")

		r.Read(nil, done)
		wait()

		Expect(result).To(MatchError(reqbody.ErrRead))
		Expect(result).NotTo(MatchError(reqbody.ErrPrematureClose))
		Expect(errors.Is(result, unix.EIO)).To(BeTrue())
		Expect(reqbody.Status(result)).To(Equal(400))
		Expect(conn.Error).To(BeTrue())
	})

	It("should time out a stalled client with 408", func() {
		conf.Timeout = 100 * time.Millisecond
		r.Length = 10
		send("abc")

		r.Read(nil, done)
		wait()

		Expect(result).To(MatchError(reqbody.ErrTimeout))
		Expect(reqbody.Status(result)).To(Equal(408))
	})

	It("should refuse a body above the limit before reading it", func() {
		conf.MaxSize = 10
		r.Length = 11

		r.Read(nil, done)

		Expect(finished).To(BeTrue())
		Expect(result).To(MatchError(reqbody.ErrTooLarge))
		Expect(reqbody.Status(result)).To(Equal(413))
	})

	It("should send 100 Continue when the client waits for it", func() {
		r.Length = 4
		r.ExpectContinue = true

		r.Read(nil, done)
		Expect(finished).To(BeFalse())

		got := make([]byte, 64)
		n, err := unix.Read(peerFd, got)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got[:n])).To(Equal("HTTP/1.1 100 Continue\r\n\r\n"))

		send("data")
		wait()
		Expect(string(collect(r.Bufs))).To(Equal("data"))
	})
})
