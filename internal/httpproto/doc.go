// Package httpproto is the HTTP/1.x layer around the upstream state machine.
// It reads client requests from event connections, admits their bodies,
// builds the request sent to the backend, parses the backend response header,
// frames the response body and writes the response header and error pages
// back to the client. Client connections are kept alive between requests
// when both sides allow it.
//
// Request pipelining, TLS and HTTP/2 are not supported.
package httpproto
