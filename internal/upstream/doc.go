// Package upstream drives one proxied request through its backend attempts:
// connect, send the request, read and judge the response header, then relay
// the body to the client either streamed through the header buffer or
// buffered through a pipe. A failed attempt moves on to the next peer while
// the policy and the next-upstream rules allow it.
//
// The package is protocol agnostic: a Protocol builds the request and parses
// the response, a Downstream writes the response header to the client and
// takes the request back when the upstream is done with it.
package upstream
