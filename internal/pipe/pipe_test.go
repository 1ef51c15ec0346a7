package pipe_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/event/poll"
	"github.com/angeloszaimis/evproxy/internal/pipe"
)

func socketpair(cy *event.Cycle) (*event.Connection, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	Expect(err).NotTo(HaveOccurred())
	c := cy.Conns.Get(fds[0])
	Expect(c).NotTo(BeNil())
	event.SetUnixIO(c)
	DeferCleanup(func() {
		unix.Close(fds[1])
		cy.Conns.Close(c)
	})
	return c, fds[1]
}

func writeAll(fd int, data []byte) {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		Expect(err).NotTo(HaveOccurred())
		data = data[n:]
	}
}

// drain reads whatever the client side has without blocking.
func drain(fd int, into *bytes.Buffer) {
	tmp := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, tmp)
		if n <= 0 || err != nil {
			return
		}
		into.Write(tmp[:n])
	}
}

// writeBlocking writes data to a non-blocking fd, waiting for room.
func writeBlocking(fd int, data []byte) {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			_, _ = unix.Poll(fds, 100)
			continue
		}
		if err != nil {
			return
		}
		data = data[n:]
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

var _ = Describe("Pipe", func() {
	var (
		cy       *event.Cycle
		upstream *event.Connection
		client   *event.Connection
		serverFd int
		clientFd int
		pool     *arena.Pool
		p        *pipe.Pipe
		received bytes.Buffer
		tempDir  string
	)

	BeforeEach(func() {
		var err error
		cy, err = event.NewCycle(poll.New(), event.Options{Connections: 8})
		Expect(err).NotTo(HaveOccurred())

		upstream, serverFd = socketpair(cy)
		client, clientFd = socketpair(cy)
		client.Write.Ready = true

		pool = arena.Create(arena.DefaultPoolSize)
		DeferCleanup(pool.Destroy)
		tempDir = GinkgoT().TempDir()
		received.Reset()

		p = &pipe.Pipe{
			Upstream: upstream,
			Out:      buf.NewWriter(client),
			Pool:     pool,
			Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
			Bufs:     pipe.Bufs{Num: 4, Size: 1024},
			TempPath: tempDir,
		}
	})

	It("should relay preread bytes first, then the rest", func() {
		pre := buf.New([]byte("HEADERbody-1|"))
		pre.Pos, pre.Last = 6, 13
		Expect(p.Preread(pre)).To(Succeed())

		writeAll(serverFd, []byte("body-2|body-3"))
		unix.Shutdown(serverFd, unix.SHUT_WR)
		upstream.Read.Ready = true
		upstream.Read.PendingEOF = true

		Expect(p.Run(true)).To(Succeed())
		drain(clientFd, &received)

		Expect(received.String()).To(Equal("body-1|body-2|body-3"))
		Expect(p.UpstreamEOF).To(BeTrue())
		Expect(p.Done).To(BeTrue())
		Expect(p.Read).To(Equal(int64(20)))
	})

	It("should stop at the end the input filter reports and tee every byte", func() {
		remaining := 10
		p.InputFilter = func(data []byte) (int, bool, error) {
			n := min(len(data), remaining)
			remaining -= n
			return n, remaining == 0, nil
		}
		var tee bytes.Buffer
		p.Tee = &tee

		writeAll(serverFd, []byte("0123456789trailing garbage"))
		upstream.Read.Ready = true

		Expect(p.Run(true)).To(Succeed())
		drain(clientFd, &received)

		Expect(received.String()).To(Equal("0123456789"))
		Expect(tee.String()).To(Equal("0123456789"))
		Expect(p.UpstreamDone).To(BeTrue())
		Expect(p.Done).To(BeTrue())
	})

	It("should flag a body error from the input filter", func() {
		p.InputFilter = func([]byte) (int, bool, error) {
			return 0, false, errors.New("bad chunk")
		}
		writeAll(serverFd, []byte("zz\r\n"))
		upstream.Read.Ready = true

		Expect(p.Run(true)).To(Succeed())
		Expect(p.UpstreamError).To(BeTrue())
		Expect(p.Done).To(BeTrue())
	})

	Context("with a slow client", func() {
		var body []byte

		BeforeEach(func() {
			Expect(unix.SetsockoptInt(client.Fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)).To(Succeed())
			body = pattern(256 * 1024)

			done := make(chan struct{})
			go func() {
				defer close(done)
				writeBlocking(serverFd, body)
				unix.Shutdown(serverFd, unix.SHUT_WR)
			}()
			DeferCleanup(func() { Eventually(done).Should(BeClosed()) })
		})

		runUntilDone := func() {
			deadline := time.Now().Add(10 * time.Second)
			for !p.Done && time.Now().Before(deadline) {
				upstream.Read.Ready = true
				client.Write.Ready = true
				Expect(p.Run(true)).To(Succeed())
				drain(clientFd, &received)
			}
			drain(clientFd, &received)
		}

		It("should spill to the temp file and keep byte order", func() {
			p.MaxTempFileSize = 1 << 20
			p.TempFileWriteSize = 2048

			upstream.Read.Ready = true
			Expect(p.Run(true)).To(Succeed())
			runUntilDone()

			Expect(p.Done).To(BeTrue())
			Expect(p.Spilled).To(BeNumerically(">", 0))
			Expect(p.TempFile()).NotTo(BeNil())
			Expect(received.Len()).To(Equal(len(body)))
			Expect(bytes.Equal(received.Bytes(), body)).To(BeTrue())
		})

		It("should apply backpressure without a temp file", func() {
			runUntilDone()

			Expect(p.Spilled).To(BeZero())
			Expect(p.TempFile()).To(BeNil())
			Expect(bytes.Equal(received.Bytes(), body)).To(BeTrue())
		})

		It("should keep the writer queue under the busy limit", func() {
			p.BusySize = 2048
			p.MaxTempFileSize = 1 << 20

			deadline := time.Now().Add(10 * time.Second)
			for !p.Done && time.Now().Before(deadline) {
				upstream.Read.Ready = true
				client.Write.Ready = true
				Expect(p.Run(true)).To(Succeed())
				Expect(p.Out.Pending()).To(BeNumerically("<=", 2048+4096))
				drain(clientFd, &received)
			}
			drain(clientFd, &received)
			Expect(bytes.Equal(received.Bytes(), body)).To(BeTrue())
		})
	})
})
