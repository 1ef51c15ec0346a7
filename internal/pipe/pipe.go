// Package pipe relays a response body from an upstream connection to a client
// through a fixed set of memory buffers, spilling to a temp file when the
// client is slower than the upstream.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/eapache/queue"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
)

// Bufs is the number and size of the memory buffers a pipe may allocate.
type Bufs struct {
	Num  int
	Size int
}

// InputFilter inspects body bytes read from the upstream. It returns how many
// of them belong to the body and whether the body is complete.
type InputFilter func(data []byte) (n int, done bool, err error)

// Pipe moves bytes from Upstream to Out. Data read from the upstream waits in
// memory until the writer takes it; when every buffer is taken the oldest
// waiting buffers are written to a temp file. Everything in the temp file is
// older than anything still in memory, so the client sees upstream order.
type Pipe struct {
	Upstream *event.Connection
	Out      *buf.Writer
	Pool     *arena.Pool
	Log      *slog.Logger

	Bufs Bufs
	// BusySize bounds the bytes queued in Out; zero is unbounded.
	BusySize int64

	TempPath string
	// MaxTempFileSize caps the temp file; zero disables spilling.
	MaxTempFileSize int64
	// TempFileWriteSize is how much one spill writes.
	TempFileWriteSize int64

	InputFilter InputFilter

	// Tee receives every body byte in order, for the response cache.
	Tee       io.Writer
	TeeFailed bool

	UpstreamDone    bool
	UpstreamEOF     bool
	UpstreamError   bool
	DownstreamError bool
	// Done is set once the upstream finished and everything was sent.
	Done bool

	// Read counts body bytes accepted from the upstream.
	Read int64
	// Spilled counts bytes written to the temp file.
	Spilled int64

	allocated int
	free      []*buf.Buf
	in        *queue.Queue
	out       *queue.Queue
	busy      []*buf.Buf
	temp      *buf.TempFile
}

func (p *Pipe) init() {
	if p.in == nil {
		p.in = queue.New()
		p.out = queue.New()
	}
}

// Preread hands the pipe body bytes that arrived with the response header.
// b becomes one of the pipe's buffers once its bytes are sent.
func (p *Pipe) Preread(b *buf.Buf) error {
	p.init()

	if b.Size() == 0 {
		return nil
	}

	data := b.Bytes()
	n, done, err := p.filter(data)
	if err != nil {
		p.UpstreamError = true
		return err
	}

	b.Last = b.Pos + n
	if n > 0 {
		p.tee(b.Bytes())
		p.Read += int64(n)
		p.in.Add(b)
	}
	if done {
		p.UpstreamDone = true
	}
	return nil
}

// Run reads what the upstream has and writes what the client takes, until
// neither side makes progress. doWrite is set when the client became
// writable. It returns a non-nil error only for local failures and client
// write errors.
func (p *Pipe) Run(doWrite bool) error {
	p.init()

	for {
		if doWrite {
			if err := p.writeToDownstream(); err != nil {
				p.DownstreamError = true
				return err
			}
		}

		progress, err := p.readUpstream()
		if err != nil {
			return err
		}
		if !progress {
			break
		}
		doWrite = true
	}

	if p.upstreamFinished() && p.in.Length() == 0 && p.out.Length() == 0 && !p.Out.Busy() {
		p.Done = true
	}
	return nil
}

// Pending returns the bytes read but not yet sent.
func (p *Pipe) Pending() int64 {
	p.init()

	n := p.Out.Pending()
	for i := 0; i < p.in.Length(); i++ {
		n += p.in.Get(i).(*buf.Buf).Size()
	}
	for i := 0; i < p.out.Length(); i++ {
		n += p.out.Get(i).(*buf.Buf).Size()
	}
	return n
}

// TempFile returns the spill file, if one was created.
func (p *Pipe) TempFile() *buf.TempFile {
	return p.temp
}

func (p *Pipe) upstreamFinished() bool {
	return p.UpstreamDone || p.UpstreamEOF || p.UpstreamError
}

func (p *Pipe) filter(data []byte) (int, bool, error) {
	if p.InputFilter == nil {
		return len(data), false, nil
	}
	return p.InputFilter(data)
}

func (p *Pipe) readUpstream() (bool, error) {
	progress := false
	c := p.Upstream

	for !p.upstreamFinished() && c.Read.Ready {
		b := p.getBuf()
		if b == nil {
			spilled, err := p.spill()
			if err != nil {
				return progress, err
			}
			if !spilled {
				break
			}
			progress = true
			continue
		}

		n, err := c.Recv(c, b.Free())
		if errors.Is(err, event.ErrAgain) {
			p.putFree(b)
			break
		}
		if err != nil {
			p.Log.Warn("upstream read failed", "error", err)
			p.UpstreamError = true
			p.putFree(b)
			break
		}
		if n == 0 {
			p.UpstreamEOF = true
			p.putFree(b)
			break
		}

		progress = true

		k, done, err := p.filter(b.Free()[:n])
		if err != nil {
			p.Log.Warn("upstream sent invalid body", "error", err)
			p.UpstreamError = true
			p.putFree(b)
			break
		}

		if k > 0 {
			p.tee(b.Free()[:k])
			b.Last += k
			p.Read += int64(k)
			p.in.Add(b)
		} else {
			p.putFree(b)
		}

		if done {
			p.UpstreamDone = true
		}
	}

	return progress, nil
}

func (p *Pipe) writeToDownstream() error {
	for {
		if p.BusySize > 0 && p.Out.Pending() >= p.BusySize {
			break
		}

		var next *buf.Buf
		switch {
		case p.out.Length() > 0:
			next = p.out.Remove().(*buf.Buf)
		case p.in.Length() > 0:
			next = p.in.Remove().(*buf.Buf)
			p.busy = append(p.busy, next)
		}
		if next == nil {
			break
		}

		err := p.Out.Write(next)
		if errors.Is(err, event.ErrAgain) {
			break
		}
		if err != nil {
			return err
		}
	}

	if p.Out.Busy() {
		if err := p.Out.Write(); err != nil && !errors.Is(err, event.ErrAgain) {
			return err
		}
	}

	p.recycle()
	return nil
}

// recycle returns sent memory buffers to the free list.
func (p *Pipe) recycle() {
	kept := p.busy[:0]
	for _, b := range p.busy {
		if b.Size() == 0 {
			p.putFree(b)
			continue
		}
		kept = append(kept, b)
	}
	clear(p.busy[len(kept):])
	p.busy = kept
}

func (p *Pipe) getBuf() *buf.Buf {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return b
	}

	if p.allocated >= p.Bufs.Num {
		return nil
	}

	b := buf.FromPool(p.Pool, p.Bufs.Size)
	if b == nil {
		return nil
	}
	p.allocated++
	b.Num = p.allocated
	b.Tag = p
	b.Recycled = true
	return b
}

func (p *Pipe) putFree(b *buf.Buf) {
	b.Reset()
	p.free = append(p.free, b)
}

// spill writes the oldest waiting memory buffers to the temp file.
func (p *Pipe) spill() (bool, error) {
	if p.MaxTempFileSize <= 0 || p.in.Length() == 0 {
		return false, nil
	}

	limit := p.TempFileWriteSize
	if limit <= 0 {
		limit = 2 * int64(p.Bufs.Size)
	}

	var offset int64
	if p.temp != nil {
		offset = p.temp.Offset
	}

	var chain []*buf.Buf
	var size int64
	for i := 0; i < p.in.Length() && size < limit; i++ {
		b := p.in.Get(i).(*buf.Buf)
		if offset+size+b.Size() > p.MaxTempFileSize {
			break
		}
		chain = append(chain, b)
		size += b.Size()
	}
	if len(chain) == 0 {
		return false, nil
	}

	if p.temp == nil {
		t, err := buf.CreateTemp(p.Pool, p.TempPath, "evproxy-pipe-*", false)
		if err != nil {
			return false, err
		}
		p.temp = t
	}

	fb, err := p.temp.WriteChain(chain)
	if err != nil {
		return false, fmt.Errorf("spill response body: %w", err)
	}

	for range chain {
		p.putFree(p.in.Remove().(*buf.Buf))
	}
	p.out.Add(fb)
	p.Spilled += size
	p.Log.Debug("response body spilled to temp file", "bytes", size, "path", p.temp.Path)

	return true, nil
}

func (p *Pipe) tee(data []byte) {
	if p.Tee == nil || p.TeeFailed {
		return
	}
	if _, err := p.Tee.Write(data); err != nil {
		p.Log.Warn("cache write failed", "error", err)
		p.TeeFailed = true
	}
}
