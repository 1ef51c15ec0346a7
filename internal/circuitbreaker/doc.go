// Package circuitbreaker implements max_fails / fail_timeout accounting for
// backend peers.
//
// A breaker has three states:
//
//   - CLOSED: attempts pass through
//   - OPEN: max_fails failures were seen within fail_timeout; attempts are
//     refused until fail_timeout has passed since the last failure
//   - HALF-OPEN: one probe attempt is allowed; success closes, failure reopens
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(1, 10*time.Second)
//	cb := registry.GetBreaker("10.0.0.5:8080")
//	if cb.Allow() {
//	    // attempt...
//	    if failed {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
