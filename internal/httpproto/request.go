package httpproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/metrics"
	"github.com/angeloszaimis/evproxy/internal/reqbody"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

var endOfHeader = []byte("\r\n\r\n")

// request is one client request and the proxying of it. It is the protocol
// and the downstream of its upstream.
type request struct {
	srv  *Server
	conn *event.Connection
	pool *arena.Pool
	out  *buf.Writer

	header *buf.Buf
	req    *http.Request
	body   *reqbody.Reader

	// clientIP keys hash-based policies; remoteIP is the socket peer.
	clientIP  string
	remoteIP  string
	keepalive bool
	// unreadBody is set when the client may still be sending a body nobody
	// will read.
	unreadBody bool
	started    time.Time
	sentBase   int64

	u *upstream.Upstream

	// response framing
	chunked    bool
	chunk      chunkParser
	statusSent int

	finished bool
}

func newRequest(s *Server, c *event.Connection) *request {
	pool := arena.Create(s.Conf.RequestPoolSize)

	header := buf.FromPool(pool, s.Conf.HeaderBufferSize)
	if header == nil {
		pool.Destroy()
		return nil
	}

	c.Read.Cancelable = false

	return &request{
		srv:      s,
		conn:     c,
		pool:     pool,
		out:      buf.NewWriter(c),
		header:   header,
		started:  time.Now(),
		sentBase: c.Sent,
	}
}

func (r *request) readHeader(ev *event.Event) {
	c := r.conn
	s := r.srv

	if ev.Timedout {
		c.Timedout = true
		c.Log.Info("client timed out while sending request header")
		r.close()
		return
	}

	for {
		if r.header.Full() {
			c.Log.Info("client sent too large request header", "size", len(r.header.Mem))
			r.keepalive = false
			r.finish(http.StatusBadRequest)
			return
		}

		n, err := c.Recv(c, r.header.Free())
		if errors.Is(err, event.ErrAgain) {
			break
		}
		if err != nil || n == 0 {
			if r.header.Size() > 0 {
				c.Log.Info("client prematurely closed connection while sending request header")
			}
			r.close()
			return
		}

		r.header.Last += n

		end := bytes.Index(r.header.Bytes(), endOfHeader)
		if end < 0 {
			continue
		}

		r.header.Pos += end + len(endOfHeader)
		if c.Read.TimerSet {
			s.Cycle.Timers.Del(c.Read)
		}
		r.processRequest(r.header.Mem[:r.header.Pos])
		return
	}

	if s.Conf.HeaderTimeout > 0 && !c.Read.TimerSet {
		s.Cycle.Timers.Add(c.Read, s.Conf.HeaderTimeout)
	}
	if err := s.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		r.close()
	}
}

func (r *request) processRequest(raw []byte) {
	c := r.conn
	s := r.srv

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		c.Log.Info("client sent invalid request", "error", err)
		r.finish(http.StatusBadRequest)
		return
	}
	r.req = req
	r.keepalive = !req.Close && !s.Cycle.Exiting
	r.remoteIP = remoteHost(c.AddrText)
	r.clientIP = extractClientIP(req, r.remoteIP)

	if s.Requests != nil {
		s.Requests.Add(1)
	}

	c.Log.Info("Received request",
		"from", r.clientIP,
		"method", req.Method,
		"path", req.URL.Path,
		"proto", req.Proto,
		"host", req.Host,
		"user_agent", req.UserAgent())

	if slices.Contains(req.TransferEncoding, "chunked") {
		c.Log.Info("client sent chunked request body")
		r.keepalive = false
		r.unreadBody = true
		r.finish(http.StatusLengthRequired)
		return
	}

	r.body = &reqbody.Reader{
		Conf:           &s.Conf.Body,
		Cycle:          s.Cycle,
		Conn:           c,
		Pool:           r.pool,
		Log:            c.Log,
		Length:         req.ContentLength,
		ExpectContinue: strings.EqualFold(req.Header.Get("Expect"), "100-continue"),
	}
	r.body.Read(r.header, r.bodyRead)
}

func (r *request) bodyRead(err error) {
	if err != nil {
		r.keepalive = false
		r.unreadBody = !r.conn.Error
		r.finish(reqbody.Status(err))
		return
	}

	r.conn.Read.Handler = emptyHandler
	r.startUpstream()
}

func (r *request) startUpstream() {
	s := r.srv
	c := r.conn

	u := &upstream.Upstream{
		Conf:       s.Upstream,
		Cycle:      s.Cycle,
		Protocol:   r,
		Downstream: r,
		Client:     c,
		Out:        r.out,
		Pool:       r.pool,
		Log:        c.Log,
	}
	u.Peer.HashKey = r.clientIP
	if s.Upstream.Cache != nil && slices.Contains(s.Conf.CacheMethods, r.req.Method) {
		u.CacheKey = r.req.Method + " " + r.req.Host + r.req.URL.RequestURI()
	}
	r.u = u

	u.Start()
}

// finish ends a request that never reached an upstream.
func (r *request) finish(status int) {
	r.statusSent = status
	r.sendError(status)
}

// done ends the request after the response went out.
func (r *request) done() {
	if r.finished {
		return
	}
	r.finished = true

	s := r.srv
	c := r.conn

	if c.Write.TimerSet {
		s.Cycle.Timers.Del(c.Write)
	}

	r.report()

	if c.Error || c.Timedout || !r.keepalive || s.Cycle.Exiting ||
		(s.Conf.KeepaliveRequests > 0 && c.Requests+1 >= s.Conf.KeepaliveRequests) {
		pool := r.pool
		r.pool = nil
		pool.Destroy()

		if r.unreadBody && !c.Error && !c.Timedout && s.Conf.LingeringTime > 0 {
			s.lingeringClose(c)
			return
		}
		s.closeConnection(c)
		return
	}

	r.pool.Destroy()
	r.pool = nil
	s.keepalive(c)
}

// close drops the connection without a response.
func (r *request) close() {
	if r.finished {
		return
	}
	r.finished = true

	if r.req != nil {
		r.report()
	}
	if r.pool != nil {
		r.pool.Destroy()
		r.pool = nil
	}
	r.srv.closeConnection(r.conn)
}

func (r *request) report() {
	status := r.statusSent
	if r.u != nil && r.u.HeaderSent {
		status = r.u.Headers.Status
	}
	if r.conn.Error {
		status = upstream.StatusClientClosed
	}

	elapsed := time.Since(r.started)

	upstreamStatus := ""
	if r.u != nil {
		upstreamStatus = r.u.UpstreamStatus()
	}

	r.conn.Log.Debug("request finished",
		"status", status,
		"upstream_status", upstreamStatus,
		"duration", elapsed,
		"sent", r.conn.Sent-r.sentBase)

	if r.srv.Reporter != nil {
		r.srv.Reporter.Emit(metrics.MetricEvent{
			Type:       metrics.EventRequestCompleted,
			Timestamp:  time.Now(),
			Duration:   elapsed,
			StatusCode: status,
			Bytes:      r.conn.Sent - r.sentBase,
		})
	}
}

func extractClientIP(req *http.Request, remoteIP string) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return remoteIP
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// allocBuf copies p into memory of the request pool.
func (r *request) allocBuf(p []byte) (*buf.Buf, error) {
	mem := r.pool.Alloc(len(p))
	if mem == nil {
		return nil, fmt.Errorf("allocate %d bytes", len(p))
	}
	copy(mem, p)
	return &buf.Buf{Mem: mem, Last: len(p)}, nil
}
