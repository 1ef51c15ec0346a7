package event

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// maxIovecs bounds a single writev call.
const maxIovecs = 64

// SetUnixIO installs the plain socket implementations of the I/O slots.
func SetUnixIO(c *Connection) {
	c.Recv = UnixRecv
	c.Send = UnixSend
	c.SendV = UnixSendV
	c.SendFile = UnixSendFile
}

// UnixRecv reads into b. A zero return with a nil error is end of stream and
// sets EOF on the read event. A short read clears Ready so the caller goes back
// to the reactor.
func UnixRecv(c *Connection, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, io.ErrShortBuffer
	}

	rev := c.Read
	for {
		n, err := unix.Read(c.Fd, b)
		switch err {
		case nil:
			if n == 0 {
				rev.Ready = false
				rev.EOF = true
				return 0, nil
			}
			c.Received += int64(n)
			if n < len(b) && !rev.PendingEOF {
				rev.Ready = false
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			rev.Ready = false
			return 0, ErrAgain
		default:
			rev.Ready = false
			rev.Error = true
			return 0, fmt.Errorf("recv: %w", err)
		}
	}
}

// UnixSend writes b once. A short write clears Ready on the write event.
func UnixSend(c *Connection, b []byte) (int, error) {
	wev := c.Write
	for {
		n, err := unix.Write(c.Fd, b)
		switch err {
		case nil:
			c.Sent += int64(n)
			if n < len(b) {
				wev.Ready = false
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			wev.Ready = false
			return 0, ErrAgain
		default:
			wev.Error = true
			return 0, fmt.Errorf("send: %w", err)
		}
	}
}

// UnixSendV gathers bufs into one writev call, at most maxIovecs at a time.
func UnixSendV(c *Connection, bufs [][]byte) (int, error) {
	if len(bufs) > maxIovecs {
		bufs = bufs[:maxIovecs]
	}

	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	wev := c.Write
	for {
		n, err := unix.Writev(c.Fd, bufs)
		switch err {
		case nil:
			c.Sent += int64(n)
			if n < total {
				wev.Ready = false
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			wev.Ready = false
			return 0, ErrAgain
		default:
			wev.Error = true
			return 0, fmt.Errorf("writev: %w", err)
		}
	}
}

// UnixSendFile sends n bytes of f starting at off without copying them through
// user space.
func UnixSendFile(c *Connection, f *os.File, off int64, n int) (int, error) {
	wev := c.Write
	for {
		sent, err := unix.Sendfile(c.Fd, int(f.Fd()), &off, n)
		switch err {
		case nil:
			c.Sent += int64(sent)
			if sent < n {
				wev.Ready = false
			}
			return sent, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			wev.Ready = false
			return 0, ErrAgain
		default:
			wev.Error = true
			return 0, fmt.Errorf("sendfile: %w", err)
		}
	}
}

// PeekClosed reports whether the peer of c has closed its side, without
// consuming any buffered data.
func PeekClosed(c *Connection) (bool, error) {
	var b [1]byte
	n, _, err := unix.Recvfrom(c.Fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == unix.EAGAIN:
		return false, nil
	case err != nil:
		return true, err
	}
	return n == 0, nil
}

// SocketError returns the pending error of a socket, as left by a failed
// non-blocking connect.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}
