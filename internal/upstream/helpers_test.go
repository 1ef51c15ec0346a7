package upstream_test

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

// lineProtocol speaks "GET /\n" and expects "<status> <length>\n<body>".
// A negative length means the body runs until the upstream closes.
type lineProtocol struct {
	reinits  int
	finished []int
}

func (p *lineProtocol) CreateRequest(u *upstream.Upstream) error {
	u.Request = []*buf.Buf{memBuf("GET /\n")}
	return nil
}

func (p *lineProtocol) ReinitRequest(u *upstream.Upstream) error {
	p.reinits++
	return nil
}

func (p *lineProtocol) ProcessHeader(u *upstream.Upstream) error {
	b := u.Buffer
	i := bytes.IndexByte(b.Bytes(), '\n')
	if i < 0 {
		return event.ErrAgain
	}

	var status int
	var length int64
	if _, err := fmt.Sscanf(string(b.Bytes()[:i]), "%d %d", &status, &length); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrInvalidHeader, err)
	}

	u.Headers.Status = status
	u.Headers.ContentLength = length
	b.Pos += i + 1
	return nil
}

func (p *lineProtocol) InputFilterInit(u *upstream.Upstream) error {
	u.Length = u.Headers.ContentLength
	if u.Length < 0 {
		u.Length = -1
	}
	return nil
}

func (p *lineProtocol) InputFilter(u *upstream.Upstream, data []byte) (int, bool, error) {
	if u.Length < 0 {
		return len(data), false, nil
	}
	n := min(int64(len(data)), u.Length)
	u.Length -= n
	return int(n), u.Length == 0, nil
}

func (p *lineProtocol) RewriteRedirect(u *upstream.Upstream, location string) string {
	return location
}

func (p *lineProtocol) FinalizeRequest(u *upstream.Upstream, status int) {
	p.finished = append(p.finished, status)
}

// recorder writes "HDR <status>\n" as the response header.
type recorder struct {
	headers  int
	statuses []int
}

func (d *recorder) SendHeader(u *upstream.Upstream) error {
	d.headers++
	err := u.Out.Write(memBuf(fmt.Sprintf("HDR %d\n", u.Headers.Status)))
	if err != nil && !errors.Is(err, event.ErrAgain) {
		return err
	}
	return nil
}

func (d *recorder) Finalize(u *upstream.Upstream, status int) {
	d.statuses = append(d.statuses, status)
}

// listPolicy hands out addrs in order.
type listPolicy struct {
	addrs []netip.AddrPort
	tries int
	next  int
	frees []peer.FreeState
}

func (p *listPolicy) Init(pc *peer.Conn) error {
	pc.Tries = len(p.addrs)
	if p.tries > 0 {
		pc.Tries = p.tries
	}
	return nil
}

func (p *listPolicy) Get(pc *peer.Conn) error {
	if pc.Tries == 0 || p.next >= len(p.addrs) {
		return peer.ErrBusy
	}
	ap := p.addrs[p.next]
	p.next++
	pc.Sockaddr = event.SockaddrFromAddrPort(ap)
	pc.Name = ap.String()
	return nil
}

func (p *listPolicy) Free(pc *peer.Conn, state peer.FreeState) {
	p.frees = append(p.frees, state)
	if state != peer.FreeStale {
		pc.Tries--
	}
}

// dirCache keeps one file per key.
type dirCache struct {
	dir     string
	pool    *arena.Pool
	updates int
	frees   int
}

func (c *dirCache) Open(key string) (*os.File, error) {
	f, err := os.Open(filepath.Join(c.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return f, err
}

func (c *dirCache) Create(key string) (*buf.TempFile, error) {
	return buf.CreateTemp(c.pool, c.dir, "tmp-*", true)
}

func (c *dirCache) Update(key string, tf *buf.TempFile) error {
	c.updates++
	return os.Rename(tf.Path, filepath.Join(c.dir, key))
}

func (c *dirCache) Free(tf *buf.TempFile) {
	c.frees++
	_ = os.Remove(tf.Path)
}

func memBuf(s string) *buf.Buf {
	b := buf.New([]byte(s))
	b.Last = len(s)
	return b
}

// serve answers every request line with response. With hold set the
// connection stays open afterwards until the test ends.
func serve(response []byte, hold bool) netip.AddrPort {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	done := make(chan struct{})
	DeferCleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
					return
				}
				if len(response) > 0 {
					_, _ = conn.Write(response)
				}
				if hold {
					<-done
				}
			}()
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

// refused returns an address nobody listens on.
func refused() netip.AddrPort {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	ap := netip.MustParseAddrPort(ln.Addr().String())
	Expect(ln.Close()).To(Succeed())
	return ap
}

func socketpair(cy *event.Cycle) (*event.Connection, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	Expect(err).NotTo(HaveOccurred())
	c := cy.Conns.Get(fds[0])
	Expect(c).NotTo(BeNil())
	event.SetUnixIO(c)
	DeferCleanup(func() {
		unix.Close(fds[1])
		if c.Fd != -1 {
			cy.Conns.Close(c)
		}
	})
	return c, fds[1]
}

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

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
