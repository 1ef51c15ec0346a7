package httpproto

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

const serverName = "evproxy"

func (r *request) connectionHeader() string {
	if r.keepalive && !r.srv.Cycle.Exiting {
		return "Connection: keep-alive"
	}
	return "Connection: close"
}

func (r *request) SendHeader(u *upstream.Upstream) error {
	h := u.Headers

	var extra []string
	if h.Location != "" {
		extra = append(extra, "Location: "+h.Location)
	}

	switch {
	case r.chunked && !h.NoBody:
		if r.req.ProtoAtLeast(1, 1) {
			extra = append(extra, "Transfer-Encoding: chunked")
		} else {
			r.keepalive = false
		}
	case h.ContentLength >= 0:
		extra = append(extra, "Content-Length: "+strconv.FormatInt(h.ContentLength, 10))
	default:
		r.keepalive = false
	}

	if u.Peer.Name != "" && !u.CacheHit {
		extra = append(extra, "X-Backend-Server: "+u.Peer.Name)
	}
	if u.CacheKey != "" {
		if u.CacheHit {
			extra = append(extra, "X-Cache-Status: HIT")
		} else {
			extra = append(extra, "X-Cache-Status: MISS")
		}
	}
	extra = append(extra, r.connectionHeader())

	b, err := r.headerBuf(h.Status, h.Header, extra)
	if err != nil {
		return err
	}
	r.statusSent = h.Status

	err = u.Out.Write(b)
	if err != nil && !errors.Is(err, event.ErrAgain) {
		return err
	}
	return nil
}

func (r *request) Finalize(u *upstream.Upstream, status int) {
	c := r.conn
	c.Read.Handler = emptyHandler
	c.Write.Handler = emptyHandler

	switch {
	case status == upstream.StatusClose:
		r.keepalive = false
		r.close()
	case status == upstream.StatusClientClosed, c.Error, c.Timedout:
		r.close()
	case status >= http.StatusMultipleChoices:
		r.sendError(status)
	default:
		r.done()
	}
}

// sendError answers with a minimal error page.
func (r *request) sendError(status int) {
	c := r.conn
	s := r.srv

	r.statusSent = status
	if c.Error || c.Timedout || status == upstream.StatusClientClosed {
		r.close()
		return
	}

	page := errorPage(status)
	lines := []string{
		"Server: " + serverName,
		"Date: " + time.Now().UTC().Format(http.TimeFormat),
		"Content-Type: text/html",
		"Content-Length: " + strconv.Itoa(len(page)),
		r.connectionHeader(),
	}

	hb, err := r.headerBuf(status, nil, lines)
	if err != nil {
		r.close()
		return
	}
	chain := []*buf.Buf{hb}
	if r.req == nil || r.req.Method != http.MethodHead {
		pb, err := r.allocBuf(page)
		if err != nil {
			r.close()
			return
		}
		chain = append(chain, pb)
	}

	c.Read.Handler = emptyHandler
	c.Write.Handler = r.writeErrorHandler
	if c.Read.TimerSet {
		s.Cycle.Timers.Del(c.Read)
	}

	r.flushError(r.out.Write(chain...))
}

func (r *request) writeErrorHandler(ev *event.Event) {
	if ev.Timedout {
		r.conn.Timedout = true
		r.conn.Log.Info("client timed out while receiving error page")
		r.close()
		return
	}
	r.flushError(r.out.Write())
}

func (r *request) flushError(err error) {
	c := r.conn
	s := r.srv

	if errors.Is(err, event.ErrAgain) {
		if s.Conf.SendTimeout > 0 {
			s.Cycle.Timers.Add(c.Write, s.Conf.SendTimeout)
		}
		if err := s.Cycle.HandleWriteEvent(c.Write); err != nil {
			r.close()
		}
		return
	}
	if err != nil {
		c.Error = true
		r.close()
		return
	}

	if err := s.Cycle.HandleWriteEvent(c.Write); err != nil {
		r.close()
		return
	}
	r.done()
}

func errorPage(status int) []byte {
	text := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return []byte("<html>\r\n<head><title>" + text + "</title></head>\r\n" +
		"<body>\r\n<center><h1>" + text + "</h1></center>\r\n" +
		"<hr><center>" + serverName + "</center>\r\n</body>\r\n</html>\r\n")
}
