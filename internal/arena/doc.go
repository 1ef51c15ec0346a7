// Package arena implements the per-connection and per-request memory pool.
//
// A Pool hands out small allocations from a chain of fixed blocks with a bump
// cursor and keeps larger allocations on a separate list that can be freed one
// by one. Everything else is released in bulk by Reset or Destroy. Cleanup
// callbacks registered on a pool run exactly once when it is destroyed, which is
// how temp files and other owned resources share the pool's lifetime.
package arena
