// Package metrics aggregates upstream attempt records for the admin endpoint.
//
// Events flow through a buffered channel into a collector goroutine:
//   - backend selections
//   - completed attempts with upstream status, failure class, time and bytes
//     (P50, P95, P99 response times per backend)
//   - completed client requests by final status
//   - health status changes
//
// The reactor thread must never block, so it uses Emit, which drops the event
// when the buffer is full and counts the drop.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventAttemptCompleted,
//		Backend:    "10.0.0.5:8080",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 502,
//		Failure:    "http_502",
//	})
//
//	snapshot := collector.Snapshot("round-robin")
package metrics
