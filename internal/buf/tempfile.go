package buf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/evproxy/internal/arena"
)

// TempFile is a spill file for bodies that do not fit in memory. It is closed,
// and unless persistent removed, when the owning pool is destroyed.
type TempFile struct {
	File   *os.File
	Path   string
	Offset int64

	Persistent bool
}

// CreateTemp creates a temp file in dir and ties its lifetime to p.
func CreateTemp(p *arena.Pool, dir, pattern string, persistent bool) (*TempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	t := &TempFile{File: f, Path: f.Name(), Persistent: persistent}
	if p != nil {
		p.AddFileCleanup(f, !persistent)
	}
	return t, nil
}

// WriteChain appends the memory buffers of chain to the file and returns a
// file-backed buffer covering what was written. The memory buffers are left
// untouched for the caller to recycle.
func (t *TempFile) WriteChain(chain []*Buf) (*Buf, error) {
	iovs := make([][]byte, 0, len(chain))
	for _, b := range chain {
		if b.Size() > 0 {
			iovs = append(iovs, b.Bytes())
		}
	}

	start := t.Offset
	for len(iovs) > 0 {
		n, err := unix.Pwritev(int(t.File.Fd()), iovs, t.Offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pwritev %s: %w", t.Path, err)
		}
		t.Offset += int64(n)
		iovs = skip(iovs, n)
	}

	return &Buf{
		File:     t.File,
		InFile:   true,
		FilePos:  start,
		FileLast: t.Offset,
	}, nil
}

// Write appends p, for callers that stream raw bytes.
func (t *TempFile) Write(p []byte) (int, error) {
	n, err := t.File.WriteAt(p, t.Offset)
	t.Offset += int64(n)
	return n, err
}

func skip(iovs [][]byte, n int) [][]byte {
	for n > 0 && len(iovs) > 0 {
		if n < len(iovs[0]) {
			iovs[0] = iovs[0][n:]
			return iovs
		}
		n -= len(iovs[0])
		iovs = iovs[1:]
	}
	return iovs
}
