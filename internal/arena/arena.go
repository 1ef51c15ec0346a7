package arena

import (
	"errors"
	"os"
	"unsafe"
)

const (
	// DefaultPoolSize is the block size used when a caller has no better figure.
	DefaultPoolSize = 16 * 1024

	// MinPoolSize is the smallest block size Create accepts.
	MinPoolSize = 2 * 64

	alignment = 8

	// a block that failed this many small allocations stops being searched
	maxFailed = 4

	// vacated large slots are only looked for among the most recent entries
	largeReuseScan = 4
)

// MaxAllocFromPool is the largest allocation served from a block: anything
// below a page goes to the bump path, a page or more to the large list.
var MaxAllocFromPool = os.Getpagesize() - 1

var (
	// ErrDeclined is returned by Free for memory that is not a live large allocation.
	ErrDeclined = errors.New("arena: not a large allocation")
)

type block struct {
	buf    []byte
	last   int
	failed int
}

type largeEntry struct {
	buf []byte
}

// Pool is a bump allocator with bulk release. It is not safe for concurrent use;
// a pool belongs to the connection or request that created it.
type Pool struct {
	size    int
	max     int
	limit   int
	used    int
	blocks  []*block
	current int
	large   []*largeEntry
	// addresses of freed large allocations, kept until Reset or Destroy
	freed map[uintptr]struct{}

	cleanups []*Cleanup

	destroyed bool
}

// Stats describes the memory a pool currently holds.
type Stats struct {
	Blocks     int
	Large      int
	Used       int
	LargeBytes int
}

// Create returns a pool whose blocks are size bytes. It returns nil when size is
// below MinPoolSize.
func Create(size int) *Pool {
	if size < MinPoolSize {
		return nil
	}

	small := size
	if small > MaxAllocFromPool {
		small = MaxAllocFromPool
	}

	p := &Pool{
		size: size,
		max:  small,
	}
	p.blocks = append(p.blocks, &block{buf: make([]byte, size)})

	return p
}

// SetLimit caps the total bytes the pool may hand out, blocks and large entries
// combined. Zero means unlimited. Allocations past the cap return nil.
func (p *Pool) SetLimit(n int) {
	p.limit = n
}

// MaxSmall returns the largest size served by the bump path.
func (p *Pool) MaxSmall() int {
	return p.max
}

// Alloc returns n bytes aligned to the machine word. Memory from a reset pool is
// not zeroed; use Calloc when that matters.
func (p *Pool) Alloc(n int) []byte {
	return p.alloc(n, true)
}

// AllocUnaligned is Alloc without alignment, for byte strings.
func (p *Pool) AllocUnaligned(n int) []byte {
	return p.alloc(n, false)
}

// Calloc returns n zeroed bytes.
func (p *Pool) Calloc(n int) []byte {
	b := p.alloc(n, true)
	clear(b)
	return b
}

func (p *Pool) alloc(n int, align bool) []byte {
	p.mustBeAlive()

	if n < 0 {
		return nil
	}

	if n <= p.max {
		return p.allocSmall(n, align)
	}

	return p.allocLarge(n)
}

func (p *Pool) allocSmall(n int, align bool) []byte {
	for i := p.current; i < len(p.blocks); i++ {
		b := p.blocks[i]

		off := b.last
		if align {
			off = alignUp(off)
		}

		if off+n <= len(b.buf) {
			if !p.charge(off + n - b.last) {
				return nil
			}
			b.last = off + n
			return b.buf[off : off+n : off+n]
		}
	}

	return p.allocBlock(n)
}

func (p *Pool) allocBlock(n int) []byte {
	if !p.charge(n) {
		return nil
	}

	last := len(p.blocks) - 1
	for i := p.current; i < last; i++ {
		b := p.blocks[i]
		failed := b.failed
		b.failed++
		if failed > maxFailed {
			p.current = i + 1
		}
	}

	nb := &block{buf: make([]byte, p.size), last: n}
	p.blocks = append(p.blocks, nb)

	return nb.buf[0:n:n]
}

func (p *Pool) allocLarge(n int) []byte {
	if !p.charge(n) {
		return nil
	}

	buf := make([]byte, n)

	scanned := 0
	for i := len(p.large) - 1; i >= 0 && scanned < largeReuseScan; i-- {
		l := p.large[i]
		if l.buf == nil {
			l.buf = buf
			return buf
		}
		scanned++
	}

	p.large = append(p.large, &largeEntry{buf: buf})

	return buf
}

// Free releases a large allocation. Small allocations are declined; freeing the
// same large allocation twice panics.
func (p *Pool) Free(b []byte) error {
	p.mustBeAlive()

	if len(b) == 0 {
		return ErrDeclined
	}

	addr := uintptr(unsafe.Pointer(&b[0]))

	for _, l := range p.large {
		if l.buf != nil && &l.buf[0] == &b[0] {
			p.used -= len(l.buf)
			l.buf = nil
			if p.freed == nil {
				p.freed = make(map[uintptr]struct{})
			}
			p.freed[addr] = struct{}{}
			return nil
		}
	}

	if _, ok := p.freed[addr]; ok {
		panic("arena: double free of a large allocation")
	}

	return ErrDeclined
}

// Reset rewinds every block and drops the large list. Blocks are kept and
// cleanups are not run.
func (p *Pool) Reset() {
	p.mustBeAlive()

	for _, b := range p.blocks {
		b.last = 0
		b.failed = 0
	}

	p.current = 0
	p.large = nil
	p.freed = nil
	p.used = 0
}

// Destroy runs every registered cleanup, most recent first, and releases all
// memory. The pool must not be used afterwards.
func (p *Pool) Destroy() {
	p.mustBeAlive()

	for i := len(p.cleanups) - 1; i >= 0; i-- {
		c := p.cleanups[i]
		if c.Handler != nil {
			h := c.Handler
			c.Handler = nil
			h()
		}
	}

	p.cleanups = nil
	p.large = nil
	p.freed = nil
	p.blocks = nil
	p.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (p *Pool) Destroyed() bool {
	return p.destroyed
}

// Stats returns a snapshot of the pool's usage.
func (p *Pool) Stats() Stats {
	s := Stats{Blocks: len(p.blocks)}

	for _, b := range p.blocks {
		s.Used += b.last
	}

	for _, l := range p.large {
		if l.buf != nil {
			s.Large++
			s.LargeBytes += len(l.buf)
		}
	}

	return s
}

func (p *Pool) charge(n int) bool {
	if p.limit > 0 && p.used+n > p.limit {
		return false
	}
	p.used += n
	return true
}

func (p *Pool) mustBeAlive() {
	if p.destroyed {
		panic("arena: use of destroyed pool")
	}
}

func alignUp(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}
