// Package buf holds the buffers that move body bytes between sockets and temp
// files, and the writer that sends a chain of them to a connection.
package buf

import (
	"os"

	"github.com/angeloszaimis/evproxy/internal/arena"
)

// Buf is a window of unsent bytes, either in memory (Mem[Pos:Last]) or in a
// file (FilePos..FileLast).
type Buf struct {
	Mem       []byte
	Pos, Last int

	File              *os.File
	FilePos, FileLast int64
	InFile            bool

	// Flush asks the writer to send everything queued so far.
	Flush bool
	// LastBuf marks the end of the response body.
	LastBuf bool
	// Recycled buffers go back to their owner once sent.
	Recycled bool

	// Tag identifies the owner of the memory.
	Tag any
	// Num is the owner's ordinal for the buffer, for logs.
	Num int
}

func New(mem []byte) *Buf {
	return &Buf{Mem: mem}
}

// FromPool allocates a size byte buffer from p. It returns nil when the pool
// is exhausted.
func FromPool(p *arena.Pool, size int) *Buf {
	mem := p.Alloc(size)
	if mem == nil {
		return nil
	}
	return &Buf{Mem: mem}
}

// Size is the number of unsent bytes.
func (b *Buf) Size() int64 {
	if b.InFile {
		return b.FileLast - b.FilePos
	}
	return int64(b.Last - b.Pos)
}

// Bytes returns the unsent memory window.
func (b *Buf) Bytes() []byte {
	return b.Mem[b.Pos:b.Last]
}

// Free returns the writable room after Last.
func (b *Buf) Free() []byte {
	return b.Mem[b.Last:]
}

// Full reports whether no room is left after Last.
func (b *Buf) Full() bool {
	return b.Last == len(b.Mem)
}

// Special reports whether b only carries a flag.
func (b *Buf) Special() bool {
	return b.Size() == 0 && (b.Flush || b.LastBuf)
}

// Reset rewinds the memory window to the start and drops any file part.
func (b *Buf) Reset() {
	b.Pos, b.Last = 0, 0
	b.File = nil
	b.FilePos, b.FileLast = 0, 0
	b.InFile = false
	b.Flush, b.LastBuf = false, false
}

// Consume marks up to n bytes as sent and returns the part of n beyond the
// size of b.
func (b *Buf) Consume(n int64) int64 {
	size := b.Size()
	if n >= size {
		if b.InFile {
			b.FilePos = b.FileLast
		} else {
			b.Pos = b.Last
		}
		return n - size
	}
	if b.InFile {
		b.FilePos += n
	} else {
		b.Pos += int(n)
	}
	return 0
}

// TotalSize sums the unsent bytes of a chain.
func TotalSize(chain []*Buf) int64 {
	var n int64
	for _, b := range chain {
		n += b.Size()
	}
	return n
}
