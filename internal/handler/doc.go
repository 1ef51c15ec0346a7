// Package handler implements the admin endpoints of a worker: status of the
// worker and its backends, and a liveness probe that fails while draining.
package handler
