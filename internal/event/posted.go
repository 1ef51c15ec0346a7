package event

import "container/list"

// Posted is a queue of events whose handlers run after the reactor wait.
// Events are pushed to the head and drained from the head.
type Posted struct {
	l list.List
}

// Post queues ev unless it is already queued somewhere.
func (q *Posted) Post(ev *Event) {
	if ev.Posted {
		return
	}
	ev.posted = q.l.PushFront(ev)
	ev.queue = q
	ev.Posted = true
}

func (q *Posted) Len() int {
	return q.l.Len()
}

// Process runs queued handlers until the queue is empty, including events
// posted by those handlers.
func (q *Posted) Process() {
	for e := q.l.Front(); e != nil; e = q.l.Front() {
		ev := e.Value.(*Event)
		DeletePosted(ev)
		ev.Handler(ev)
	}
}

// DeletePosted unlinks ev from whatever queue holds it.
func DeletePosted(ev *Event) {
	if !ev.Posted {
		return
	}
	ev.queue.l.Remove(ev.posted)
	ev.posted = nil
	ev.queue = nil
	ev.Posted = false
}
