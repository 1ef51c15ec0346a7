package event_test

import (
	"github.com/angeloszaimis/evproxy/internal/event"
)

type call struct {
	op   string
	kind event.Kind
	ev   *event.Event
}

// fakeReactor records interest changes and reports whatever events the test
// queued as ready.
type fakeReactor struct {
	cycle  *event.Cycle
	caps   event.Capability
	calls  []call
	ready  []*event.Event
	timers []int64
	flags  []event.Flags

	// hook runs while the reactor "waits"
	hook func()
}

func (r *fakeReactor) Name() string { return "fake" }

func (r *fakeReactor) Init(cy *event.Cycle) error {
	r.cycle = cy
	return nil
}

func (r *fakeReactor) Done() {}

func (r *fakeReactor) Add(ev *event.Event, kind event.Kind, _ event.Flags) error {
	r.calls = append(r.calls, call{"add", kind, ev})
	ev.Active = true
	return nil
}

func (r *fakeReactor) Del(ev *event.Event, kind event.Kind, _ event.Flags) error {
	r.calls = append(r.calls, call{"del", kind, ev})
	ev.Active = false
	return nil
}

func (r *fakeReactor) Enable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Add(ev, kind, flags)
}

func (r *fakeReactor) Disable(ev *event.Event, kind event.Kind, flags event.Flags) error {
	return r.Del(ev, kind, flags)
}

func (r *fakeReactor) AddConn(c *event.Connection) error {
	c.Read.Active = true
	c.Write.Active = true
	return nil
}

func (r *fakeReactor) DelConn(c *event.Connection, _ event.Flags) error {
	c.Read.Active = false
	c.Write.Active = false
	return nil
}

func (r *fakeReactor) ProcessEvents(timer int64, flags event.Flags) error {
	r.timers = append(r.timers, timer)
	r.flags = append(r.flags, flags)
	if r.hook != nil {
		r.hook()
	}
	ready := r.ready
	r.ready = nil
	for _, ev := range ready {
		ev.Ready = true
		r.cycle.Dispatch(ev, flags)
	}
	return nil
}

func (r *fakeReactor) Flags() event.Capability {
	if r.caps == 0 {
		return event.UseLevelEvent
	}
	return r.caps
}
