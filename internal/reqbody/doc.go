// Package reqbody reads a request body of declared length from a client
// connection without blocking. The body is kept in memory up to a buffer
// size and written to a temp file beyond it, so it can be replayed to every
// upstream attempt.
package reqbody
