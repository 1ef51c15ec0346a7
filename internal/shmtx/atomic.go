package shmtx

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	lockedBit  = 1 << 31
	waiterMask = lockedBit - 1

	futexWait = 0
	futexWake = 1

	// AtomicSize is the segment space an Atomic occupies.
	AtomicSize = 8
)

// Atomic is a spin-then-sleep lock on a shared word. The high bit of the
// word is the lock; the low bits count processes sleeping on the semaphore
// word next to it.
type Atomic struct {
	lock *atomic.Uint32
	sem  *atomic.Uint32

	spin      int
	semaphore bool
}

// NewAtomic places a lock at the start of seg. Every process mapping the same
// segment gets the same lock. With semaphore false, waiters yield the CPU
// instead of sleeping on a futex.
func NewAtomic(seg *Segment, spin int, semaphore bool) (*Atomic, error) {
	if len(seg.Data) < AtomicSize {
		return nil, ErrSegmentTooSmall
	}
	if spin <= 0 {
		spin = DefaultSpin
	}
	return &Atomic{
		lock:      (*atomic.Uint32)(unsafe.Pointer(&seg.Data[0])),
		sem:       (*atomic.Uint32)(unsafe.Pointer(&seg.Data[4])),
		spin:      spin,
		semaphore: semaphore,
	}, nil
}

func (m *Atomic) TryLock() bool {
	v := m.lock.Load()
	return v&lockedBit == 0 && m.lock.CompareAndSwap(v, v|lockedBit)
}

func (m *Atomic) Lock() {
	for {
		if m.TryLock() {
			return
		}

		if runtime.NumCPU() > 1 {
			for n := 1; n < m.spin; n <<= 1 {
				for i := 0; i < n; i++ {
					if m.lock.Load()&lockedBit == 0 {
						break
					}
				}
				if m.TryLock() {
					return
				}
			}
		}

		if !m.semaphore {
			runtime.Gosched()
			continue
		}

		if m.acquireOrWait() {
			return
		}
		m.semWait()
	}
}

// acquireOrWait either takes the lock or registers the caller as a waiter, in
// one atomic step so an unlock cannot slip between the two.
func (m *Atomic) acquireOrWait() bool {
	for {
		v := m.lock.Load()
		if v&lockedBit == 0 {
			if m.lock.CompareAndSwap(v, v|lockedBit) {
				return true
			}
			continue
		}
		if m.lock.CompareAndSwap(v, v+1) {
			return false
		}
	}
}

// Unlock releases the lock and hands the semaphore to at most one waiter.
func (m *Atomic) Unlock() {
	for {
		v := m.lock.Load()
		if v&lockedBit == 0 {
			panic("shmtx: unlock of unlocked mutex")
		}
		nv := v &^ lockedBit
		wake := nv&waiterMask > 0
		if wake {
			nv--
		}
		if m.lock.CompareAndSwap(v, nv) {
			if wake {
				m.semPost()
			}
			return
		}
	}
}

// Waiters returns the number of processes sleeping on the lock.
func (m *Atomic) Waiters() int {
	return int(m.lock.Load() & waiterMask)
}

func (m *Atomic) semPost() {
	m.sem.Add(1)
	futex(m.sem, futexWake, 1)
}

func (m *Atomic) semWait() {
	for {
		v := m.sem.Load()
		if v > 0 {
			if m.sem.CompareAndSwap(v, v-1) {
				return
			}
			continue
		}
		futex(m.sem, futexWait, 0)
	}
}

func futex(addr *atomic.Uint32, op int, val uint32) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(op), uintptr(val), 0, 0, 0)
}
