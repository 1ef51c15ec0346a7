// Package event is the single-threaded connection engine of a worker: events
// and their reactor backends, the timer tree, posted queues, the fixed
// connection pool and the accept pipeline.
//
// Everything in this package is driven from one goroutine. A Cycle owns the
// runtime state that would otherwise be process globals; handlers receive the
// *Event that fired and reach the rest through ev.Conn.
package event
