package httpproto

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

// hopByHop headers describe a single connection and are never forwarded.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// excluded returns the headers not copied verbatim: hop-by-hop ones, those
// named in Connection, and extra.
func excluded(h http.Header, extra ...string) map[string]bool {
	ex := make(map[string]bool, len(hopByHop)+len(extra))
	for k := range hopByHop {
		ex[k] = true
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				ex[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for _, k := range extra {
		ex[k] = true
	}
	return ex
}

func (r *request) CreateRequest(u *upstream.Upstream) error {
	req := r.req
	s := r.srv

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)

	if s.Conf.UpstreamKeepalive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}

	xff := r.remoteIP
	if prior := req.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		xff = strings.Join(prior, ", ") + ", " + r.remoteIP
	}
	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", xff)
	fmt.Fprintf(&b, "X-Real-IP: %s\r\n", r.remoteIP)

	if req.ContentLength > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", req.ContentLength)
	}

	ex := excluded(req.Header, "Content-Length", "Expect", "X-Forwarded-For", "X-Real-Ip")
	if err := req.Header.WriteSubset(&b, ex); err != nil {
		return err
	}
	b.WriteString("\r\n")

	head, err := r.allocBuf(b.Bytes())
	if err != nil {
		return err
	}

	u.Request = append(u.Request[:0], head)
	if r.body != nil {
		u.Request = append(u.Request, r.body.Bufs...)
	}
	return nil
}

func (r *request) ReinitRequest(u *upstream.Upstream) error {
	r.chunked = false
	r.chunk.reset()
	return nil
}

// ProcessHeader parses the response header once its terminating blank line
// is buffered.
func (r *request) ProcessHeader(u *upstream.Upstream) error {
	b := u.Buffer

	data := b.Mem[:b.Last]
	end := bytes.Index(data, endOfHeader)
	if end < 0 {
		return event.ErrAgain
	}
	end += len(endOfHeader)

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data[:end])), r.req)
	if err != nil {
		return fmt.Errorf("%w: %w", upstream.ErrInvalidHeader, err)
	}
	if resp.StatusCode < http.StatusOK {
		return fmt.Errorf("%w: unexpected informational status %d", upstream.ErrInvalidHeader, resp.StatusCode)
	}

	r.chunked = len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked"

	noBody := r.req.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified

	length := resp.ContentLength
	if noBody || r.chunked {
		length = -1
		if cl := resp.Header.Get("Content-Length"); cl != "" && !r.chunked {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				length = n
			}
		}
	}

	u.Headers = upstream.Headers{
		Status:        resp.StatusCode,
		ContentLength: length,
		Location:      resp.Header.Get("Location"),
		Header:        resp.Header,
		KeepAlive:     !resp.Close && (noBody || r.chunked || resp.ContentLength >= 0),
		NoBody:        noBody,
	}
	b.Pos = end
	return nil
}

func (r *request) InputFilterInit(u *upstream.Upstream) error {
	switch {
	case u.Headers.NoBody:
		u.Length = 0
	case r.chunked:
		// any positive length means "until the filter says done"
		u.Length = 1
		r.chunk.reset()
	case u.Headers.ContentLength >= 0:
		u.Length = u.Headers.ContentLength
	default:
		u.Length = -1
	}
	return nil
}

func (r *request) InputFilter(u *upstream.Upstream, data []byte) (int, bool, error) {
	switch {
	case r.chunked:
		n, done, err := r.chunk.parse(data)
		if done {
			u.Length = 0
		}
		return n, done, err
	case u.Length < 0:
		return len(data), false, nil
	}

	n := min(int64(len(data)), u.Length)
	u.Length -= n
	return int(n), u.Length == 0, nil
}

// RewriteRedirect points a Location at the backend back at the host the
// client used.
func (r *request) RewriteRedirect(u *upstream.Upstream, location string) string {
	if !r.srv.Conf.RewriteRedirects || u.Peer.Name == "" {
		return location
	}

	prefix := "http://" + u.Peer.Name
	rest, ok := strings.CutPrefix(location, prefix)
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != '?') {
		return location
	}
	return "http://" + r.req.Host + rest
}

func (r *request) FinalizeRequest(u *upstream.Upstream, status int) {
	if status > 0 {
		r.statusSent = status
	}
}

// headerBuf encodes a response header for the client.
func (r *request) headerBuf(status int, h http.Header, extra []string) (*buf.Buf, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, line := range extra {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	if h != nil {
		if err := h.WriteSubset(&b, excluded(h, "Content-Length", "Location")); err != nil {
			return nil, err
		}
	}
	b.WriteString("\r\n")
	return r.allocBuf(b.Bytes())
}
