package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventBackendSelected  EventType = "backend_selected"
	EventAttemptCompleted EventType = "attempt_completed"
	EventRequestCompleted EventType = "request_completed"
	EventHealthChanged    EventType = "health_changed"
)

// MetricEvent is emitted by the reactor thread and the health checkers.
// Attempt events carry the upstream status (0 when no header arrived), the
// failure class name and the body bytes relayed; request events carry the
// status sent to the client.
type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Failure    string
	Bytes      int64
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues ev without blocking; the event is dropped when the buffer is
// full so the reactor never waits on metrics.
func (c *Collector) Emit(ev MetricEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case c.eventCh <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events Emit discarded.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Backend)

	case EventAttemptCompleted:
		c.metrics.RecordAttempt(event.Backend, event.Duration, event.StatusCode, event.Failure, event.Bytes)

	case EventRequestCompleted:
		c.metrics.RecordRequest(event.StatusCode)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(algorithm string) Snapshot {
	snap := c.metrics.Snapshot(algorithm)
	snap.Dropped = c.dropped.Load()
	return snap
}
