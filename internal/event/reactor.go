package event

// Kind selects the direction an interest call applies to.
type Kind int

const (
	ReadEvent Kind = iota
	WriteEvent
)

// Flags modify a single reactor call.
type Flags uint

const (
	// ClearEvent registers edge-triggered interest.
	ClearEvent Flags = 1 << iota
	// OneshotEvent disarms the interest after it fires once.
	OneshotEvent
	// ExclusiveEvent asks the kernel to wake only one waiter per readiness.
	ExclusiveEvent
	// DisableEvent removes interest that will be re-added soon.
	DisableEvent
	// CloseEvent means the fd is about to be closed and the kernel drops it anyway.
	CloseEvent
	// PostEvents makes ProcessEvents queue handlers instead of calling them.
	PostEvents
	// UpdateTime makes ProcessEvents refresh the cached clock after waiting.
	UpdateTime
)

// Capability describes the notification model of a reactor backend.
type Capability uint

const (
	UseLevelEvent Capability = 1 << iota
	UseClearEvent
	UseGreedyEvent
	UseOneshotEvent
)

// Reactor is an OS readiness-notification backend.
type Reactor interface {
	Name() string
	Init(cy *Cycle) error
	Done()

	Add(ev *Event, kind Kind, flags Flags) error
	Del(ev *Event, kind Kind, flags Flags) error
	Enable(ev *Event, kind Kind, flags Flags) error
	Disable(ev *Event, kind Kind, flags Flags) error

	// AddConn registers both directions at once. Only edge-triggered
	// backends need it.
	AddConn(c *Connection) error
	DelConn(c *Connection, flags Flags) error

	// ProcessEvents waits up to timer milliseconds (TimerInfinite blocks) and
	// dispatches or posts what became ready.
	ProcessEvents(timer int64, flags Flags) error

	Flags() Capability
}

// HandleReadEvent makes sure rev will be reported the next time the socket has
// data, whatever the notification model of the backend.
func (cy *Cycle) HandleReadEvent(rev *Event, flags Flags) error {
	caps := cy.Reactor.Flags()

	if caps&UseClearEvent != 0 {
		if !rev.Active && !rev.Ready {
			return cy.Reactor.Add(rev, ReadEvent, ClearEvent)
		}
		return nil
	}

	if caps&UseLevelEvent != 0 {
		if !rev.Active && !rev.Ready {
			return cy.Reactor.Add(rev, ReadEvent, 0)
		}
		if rev.Active && (rev.Ready || flags&CloseEvent != 0) {
			return cy.Reactor.Del(rev, ReadEvent, flags)
		}
		return nil
	}

	if caps&UseOneshotEvent != 0 && !rev.Active && !rev.Ready {
		return cy.Reactor.Add(rev, ReadEvent, OneshotEvent)
	}
	return nil
}

// HandleWriteEvent is the write-side twin of HandleReadEvent.
func (cy *Cycle) HandleWriteEvent(wev *Event) error {
	caps := cy.Reactor.Flags()

	if caps&UseClearEvent != 0 {
		if !wev.Active && !wev.Ready {
			return cy.Reactor.Add(wev, WriteEvent, ClearEvent)
		}
		return nil
	}

	if caps&UseLevelEvent != 0 {
		if !wev.Active && !wev.Ready {
			return cy.Reactor.Add(wev, WriteEvent, 0)
		}
		if wev.Active && wev.Ready {
			return cy.Reactor.Del(wev, WriteEvent, 0)
		}
		return nil
	}

	if caps&UseOneshotEvent != 0 && !wev.Active && !wev.Ready {
		return cy.Reactor.Add(wev, WriteEvent, OneshotEvent)
	}
	return nil
}

// Dispatch is used by reactor backends to deliver a ready event: the handler
// runs now, or the event is posted when PostEvents is set.
func (cy *Cycle) Dispatch(ev *Event, flags Flags) {
	if flags&PostEvents != 0 {
		if ev.Accept {
			cy.PostedAccept.Post(ev)
		} else {
			cy.Posted.Post(ev)
		}
		return
	}
	ev.Handler(ev)
}
