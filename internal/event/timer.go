package event

import (
	"time"

	"github.com/google/btree"
)

const (
	// TimerInfinite is returned by FindNearest when no timer is armed.
	TimerInfinite int64 = -1

	// DefaultLazyDelay is the window within which re-arming a timer keeps the
	// old deadline.
	DefaultLazyDelay = 300 * time.Millisecond

	timerDegree = 32
)

// Timers is the deadline tree of a worker, ordered by deadline and then by
// insertion, so timers sharing a deadline fire in the order they were armed.
type Timers struct {
	clock *Clock
	tree  *btree.BTreeG[*Event]
	seq   uint64

	// LazyDelay is the coalescing window of Add.
	LazyDelay time.Duration
}

func NewTimers(clock *Clock, lazy time.Duration) *Timers {
	return &Timers{
		clock:     clock,
		tree:      btree.NewG(timerDegree, timerLess),
		LazyDelay: lazy,
	}
}

func timerLess(a, b *Event) bool {
	if a.timerKey != b.timerKey {
		return a.timerKey < b.timerKey
	}
	return a.timerSeq < b.timerSeq
}

// Add arms ev to fire after d. An armed timer whose deadline would move by
// less than LazyDelay is left alone.
func (t *Timers) Add(ev *Event, d time.Duration) {
	key := t.clock.Msec() + d.Milliseconds()

	if ev.TimerSet {
		diff := key - ev.timerKey
		if diff < 0 {
			diff = -diff
		}
		if diff < t.LazyDelay.Milliseconds() {
			return
		}
		t.Del(ev)
	}

	t.seq++
	ev.timerKey = key
	ev.timerSeq = t.seq
	t.tree.ReplaceOrInsert(ev)
	ev.TimerSet = true
}

// Del disarms ev. It is a no-op for an unarmed event.
func (t *Timers) Del(ev *Event) {
	if !ev.TimerSet {
		return
	}
	t.tree.Delete(ev)
	ev.TimerSet = false
}

// FindNearest returns the milliseconds until the earliest deadline, 0 when it
// is already due, or TimerInfinite when the tree is empty.
func (t *Timers) FindNearest() int64 {
	ev, ok := t.tree.Min()
	if !ok {
		return TimerInfinite
	}
	left := ev.timerKey - t.clock.Msec()
	if left < 0 {
		return 0
	}
	return left
}

// Expire fires every due timer in deadline order with Timedout set. Handlers
// may re-arm; a re-armed timer is not fired again in the same call unless its
// new deadline is already due.
func (t *Timers) Expire() {
	for {
		ev, ok := t.tree.Min()
		if !ok || ev.timerKey > t.clock.Msec() {
			return
		}
		t.tree.DeleteMin()
		ev.TimerSet = false
		ev.Timedout = true
		ev.Handler(ev)
	}
}

func (t *Timers) Len() int {
	return t.tree.Len()
}

// NoTimersLeft reports whether only cancelable timers remain.
func (t *Timers) NoTimersLeft() bool {
	left := true
	t.tree.Ascend(func(ev *Event) bool {
		if !ev.Cancelable {
			left = false
		}
		return left
	})
	return left
}
