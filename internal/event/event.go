package event

import (
	"container/list"
	"errors"
)

var (
	// ErrAgain means the operation would block; retry after the next readiness
	// notification.
	ErrAgain = errors.New("event: operation would block")

	// ErrDone means the operation completed without further I/O.
	ErrDone = errors.New("event: done")

	// ErrDeclined means the callee refused to handle the request.
	ErrDeclined = errors.New("event: declined")
)

// Handler is called from the reactor loop when an event fires.
type Handler func(ev *Event)

// Event is one direction of readiness on a connection, or a standalone timer
// when Conn is nil.
type Event struct {
	Conn    *Connection
	Handler Handler

	Write  bool
	Accept bool

	// Active means the event is registered with the reactor.
	Active bool
	// Ready means the kernel reported readiness and no I/O has hit EAGAIN since.
	Ready bool

	Oneshot    bool
	Timedout   bool
	TimerSet   bool
	Delayed    bool
	Posted     bool
	Error      bool
	EOF        bool
	PendingEOF bool
	Closed     bool

	// Cancelable timers do not keep a worker alive during graceful exit.
	Cancelable bool

	// Available is the remaining accept budget on listening events; -1 means
	// unbounded.
	Available int

	timerKey int64
	timerSeq uint64

	posted *list.Element
	queue  *Posted
}

// reset clears everything but the identity of the event.
func (ev *Event) reset() {
	*ev = Event{Conn: ev.Conn, Write: ev.Write}
}

// Deadline returns the absolute expiry of an armed timer in clock milliseconds.
func (ev *Event) Deadline() int64 {
	return ev.timerKey
}
