package buf

import (
	"errors"

	"github.com/angeloszaimis/evproxy/internal/event"
)

const (
	maxIovecs = 64

	// maxSendfile bounds one sendfile call so a large file does not starve
	// the other connections of the worker.
	maxSendfile = 2 * 1024 * 1024
)

// Writer sends a chain of buffers to a connection. What the socket does not
// accept stays queued; each Buf is advanced in place as its bytes go out, so
// owners can tell a sent buffer by its zero Size.
type Writer struct {
	Conn *event.Connection

	// Limit caps the bytes sent per call; zero means no cap.
	Limit int64

	queue []*Buf
	iovs  [][]byte
}

func NewWriter(c *event.Connection) *Writer {
	return &Writer{Conn: c}
}

// Write queues in and sends as much of the queue as the socket takes. It
// returns event.ErrAgain when bytes remain queued. A zero-size buffer that
// carries no flag is a bug in the caller.
func (w *Writer) Write(in ...*Buf) error {
	for _, b := range in {
		if b.Size() == 0 && !b.Special() {
			panic("buf: zero size buf in writer")
		}
		w.queue = append(w.queue, b)
	}
	return w.flush()
}

// Busy reports whether bytes are still queued.
func (w *Writer) Busy() bool {
	return len(w.queue) > 0
}

// Pending returns the queued byte count.
func (w *Writer) Pending() int64 {
	return TotalSize(w.queue)
}

// Reset drops the queue, for a connection that is being torn down.
func (w *Writer) Reset() {
	clear(w.queue)
	w.queue = w.queue[:0]
}

func (w *Writer) flush() error {
	c := w.Conn
	sent := int64(0)

	for {
		w.dropSent()
		if len(w.queue) == 0 {
			return nil
		}
		if !c.Write.Ready {
			return event.ErrAgain
		}
		if w.Limit > 0 && sent >= w.Limit {
			return event.ErrAgain
		}

		var n int
		var err error
		if b := w.queue[0]; b.InFile {
			size := b.Size()
			if size > maxSendfile {
				size = maxSendfile
			}
			n, err = c.SendFile(c, b.File, b.FilePos, int(size))
		} else {
			n, err = c.SendV(c, w.gather())
		}

		if err != nil {
			if errors.Is(err, event.ErrAgain) {
				return event.ErrAgain
			}
			return err
		}

		sent += int64(n)
		w.advance(int64(n))
	}
}

// gather collects the leading run of memory buffers.
func (w *Writer) gather() [][]byte {
	w.iovs = w.iovs[:0]
	for _, b := range w.queue {
		if b.InFile || len(w.iovs) == maxIovecs {
			break
		}
		if b.Size() > 0 {
			w.iovs = append(w.iovs, b.Bytes())
		}
	}
	return w.iovs
}

func (w *Writer) advance(n int64) {
	for _, b := range w.queue {
		if n == 0 {
			return
		}
		n = b.Consume(n)
	}
}

func (w *Writer) dropSent() {
	i := 0
	for i < len(w.queue) && w.queue[i].Size() == 0 {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.queue, w.queue[i:])
	clear(w.queue[n:])
	w.queue = w.queue[:n]
}
