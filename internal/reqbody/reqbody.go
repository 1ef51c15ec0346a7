package reqbody

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
)

var (
	// ErrPrematureClose means the client closed before sending the whole body.
	ErrPrematureClose = errors.New("reqbody: client prematurely closed connection")

	// ErrTimeout means the client stalled longer than Conf.Timeout.
	ErrTimeout = errors.New("reqbody: client timed out")

	// ErrTooLarge means the declared length exceeds Conf.MaxSize.
	ErrTooLarge = errors.New("reqbody: request body too large")

	// ErrRead wraps a failed read from the client socket.
	ErrRead = errors.New("reqbody: client read failed")
)

const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// Conf is shared by every request of a listener.
type Conf struct {
	// BufferSize is the memory part; a longer body spills to a temp file.
	BufferSize int
	// MaxSize rejects larger bodies up front; zero is unlimited.
	MaxSize  int64
	Timeout  time.Duration
	TempPath string
}

// Reader admits the body of one request.
type Reader struct {
	Conf  *Conf
	Cycle *event.Cycle
	Conn  *event.Connection
	Pool  *arena.Pool
	Log   *slog.Logger

	// Length is the declared body length.
	Length         int64
	ExpectContinue bool

	// Bufs is the body in order once Done was called with nil: the preread
	// part, the temp file part, then the memory part.
	Bufs []*buf.Buf
	// Rest is the number of body bytes not read yet.
	Rest int64

	pre      *buf.Buf
	mem      *buf.Buf
	temp     *buf.TempFile
	file     *buf.Buf
	done     func(err error)
	finished bool
}

// Status is the response status for a failed read.
func Status(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrPrematureClose), errors.Is(err, ErrRead), errors.Is(err, event.ErrDeclined):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Read starts admitting the body. Bytes of it already read together with the
// header are taken from preread, which is advanced past them. done runs once,
// possibly before Read returns.
func (r *Reader) Read(preread *buf.Buf, done func(err error)) {
	r.done = done

	if r.Conf.MaxSize > 0 && r.Length > r.Conf.MaxSize {
		r.Log.Info("client intended to send too large body", "length", r.Length, "max", r.Conf.MaxSize)
		r.finish(ErrTooLarge)
		return
	}

	if r.Length <= 0 {
		r.finish(nil)
		return
	}

	r.Rest = r.Length

	if preread != nil && preread.Size() > 0 {
		n := min(int64(preread.Size()), r.Rest)
		r.pre = &buf.Buf{Mem: preread.Mem, Pos: preread.Pos, Last: preread.Pos + int(n)}
		preread.Pos += int(n)
		r.Rest -= n
	}

	if r.Rest == 0 {
		r.finish(nil)
		return
	}

	if r.ExpectContinue && r.pre == nil {
		if err := r.sendContinue(); err != nil {
			r.finish(err)
			return
		}
	}

	size := r.Conf.BufferSize
	if int64(size) > r.Rest {
		size = int(r.Rest)
	}
	r.mem = buf.FromPool(r.Pool, size)
	if r.mem == nil {
		r.finish(fmt.Errorf("allocate body buffer of %d bytes", size))
		return
	}

	r.Conn.Read.Handler = r.readHandler
	r.read()
}

func (r *Reader) sendContinue() error {
	n, err := r.Conn.Send(r.Conn, []byte(continueResponse))
	if err != nil || n != len(continueResponse) {
		r.Conn.Error = true
		return fmt.Errorf("%w: send 100 continue", event.ErrDeclined)
	}
	return nil
}

func (r *Reader) readHandler(ev *event.Event) {
	if ev.Timedout {
		r.Conn.Timedout = true
		r.Log.Info("client timed out while sending body")
		r.finish(ErrTimeout)
		return
	}
	r.read()
}

func (r *Reader) read() {
	c := r.Conn

	for r.Rest > 0 {
		if r.mem.Full() {
			if err := r.spill(); err != nil {
				r.finish(err)
				return
			}
		}

		room := r.mem.Free()
		if int64(len(room)) > r.Rest {
			room = room[:r.Rest]
		}

		n, err := c.Recv(c, room)
		if errors.Is(err, event.ErrAgain) {
			break
		}
		if err != nil {
			c.Error = true
			r.Log.Info("client read failed while sending body", "error", err)
			r.finish(fmt.Errorf("%w: %w", ErrRead, err))
			return
		}
		if n == 0 {
			c.Error = true
			r.Log.Info("client prematurely closed connection while sending body", "rest", r.Rest)
			r.finish(ErrPrematureClose)
			return
		}

		r.mem.Last += n
		r.Rest -= int64(n)
	}

	if r.Rest == 0 {
		r.finish(nil)
		return
	}

	if r.Conf.Timeout > 0 {
		r.Cycle.Timers.Add(c.Read, r.Conf.Timeout)
	}
	if err := r.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		r.finish(err)
	}
}

// spill appends the memory buffer to the temp file and empties it.
func (r *Reader) spill() error {
	if r.temp == nil {
		t, err := buf.CreateTemp(r.Pool, r.Conf.TempPath, "evproxy-body-*", false)
		if err != nil {
			return err
		}
		r.temp = t
		r.Log.Debug("request body buffered to a temporary file", "path", t.Path, "length", r.Length)
	}

	fb, err := r.temp.WriteChain([]*buf.Buf{r.mem})
	if err != nil {
		return err
	}

	if r.file == nil {
		r.file = fb
	} else {
		r.file.FileLast = fb.FileLast
	}

	r.mem.Pos, r.mem.Last = 0, 0
	return nil
}

func (r *Reader) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true

	if r.Conn != nil && r.Conn.Read.TimerSet {
		r.Cycle.Timers.Del(r.Conn.Read)
	}

	if err == nil {
		for _, b := range []*buf.Buf{r.pre, r.file, r.mem} {
			if b != nil && b.Size() > 0 {
				r.Bufs = append(r.Bufs, b)
			}
		}
	}

	r.done(err)
}

// TempFile returns the spill file, if the body needed one.
func (r *Reader) TempFile() *buf.TempFile {
	return r.temp
}
