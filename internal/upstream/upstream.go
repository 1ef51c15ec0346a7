package upstream

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/evproxy/internal/arena"
	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/metrics"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/pipe"
)

var (
	// ErrHeaderTooLarge means the response header did not fit in BufferSize.
	ErrHeaderTooLarge = errors.New("upstream: response header too large")

	// ErrInvalidHeader is returned by Protocol.ProcessHeader for a response
	// that cannot be parsed.
	ErrInvalidHeader = errors.New("upstream: invalid response header")
)

const (
	// StatusClientClosed is reported when the client went away first.
	StatusClientClosed = 499
	// StatusClose asks the downstream to drop the connection without a
	// response, used once the header already went out.
	StatusClose = -1
)

// Protocol is the wire format spoken with the upstream.
type Protocol interface {
	// CreateRequest fills u.Request with the outbound chain.
	CreateRequest(u *Upstream) error
	// ReinitRequest resets parser state before another attempt.
	ReinitRequest(u *Upstream) error
	// ProcessHeader parses u.Buffer. It returns event.ErrAgain when more
	// bytes are needed and ErrInvalidHeader for garbage. On success it fills
	// u.Headers and leaves u.Buffer.Pos at the first body byte.
	ProcessHeader(u *Upstream) error
	// InputFilterInit prepares body framing and sets u.Length.
	InputFilterInit(u *Upstream) error
	// InputFilter inspects body bytes. It returns how many belong to the
	// body and whether the body is complete.
	InputFilter(u *Upstream, data []byte) (n int, done bool, err error)
	// RewriteRedirect adjusts a Location header value.
	RewriteRedirect(u *Upstream, location string) string
	// FinalizeRequest is called once with the final status.
	FinalizeRequest(u *Upstream, status int)
}

// Downstream is the client side of the request.
type Downstream interface {
	// SendHeader queues the response header built from u.Headers on u.Out.
	SendHeader(u *Upstream) error
	// Finalize hands the client connection back. status is 0 on success,
	// an HTTP status for an error response, or StatusClose.
	Finalize(u *Upstream, status int)
}

// Headers is what the protocol extracted from the response header.
type Headers struct {
	Status        int
	ContentLength int64
	Location      string
	Header        http.Header
	// KeepAlive is set when the upstream allows the connection to be reused.
	KeepAlive bool
	// NoBody is set for responses that never carry one.
	NoBody bool
}

// State records one attempt.
type State struct {
	Peer          string
	Status        int
	Failure       FailureClass
	ConnectTime   time.Duration
	HeaderTime    time.Duration
	ResponseTime  time.Duration
	BytesSent     int64
	BytesReceived int64
	BodyBytes     int64

	started  int64
	sentBase int64
	recvBase int64
	ended    bool
}

type mark struct {
	pos     int
	filePos int64
}

// Upstream is the proxy context of one client request.
type Upstream struct {
	Conf       *Conf
	Cycle      *event.Cycle
	Protocol   Protocol
	Downstream Downstream

	Peer peer.Conn

	// Client is the downstream connection; Out writes to it.
	Client *event.Connection
	Out    *buf.Writer
	Pool   *arena.Pool
	Log    *slog.Logger

	// Request is the outbound chain built by the protocol.
	Request []*buf.Buf
	Buffer  *buf.Buf
	Headers Headers
	// Length is the number of body bytes still expected, -1 when unknown.
	Length int64

	// CacheKey enables the response cache for this request when non-empty.
	CacheKey string
	CacheHit bool

	// Data is the protocol's per-request state.
	Data any

	States     []*State
	HeaderSent bool
	// Err is the cause of the last failed attempt, when there is one.
	Err error

	state   *State
	started int64
	writer  *buf.Writer
	marks   []mark

	onRead  func()
	onWrite func()

	connected      bool
	requestQueued  bool
	requestSent    bool
	peerActive     bool
	bodyDone       bool
	upstreamEOF    bool
	upstreamError  bool
	upstreamFailed bool
	finalized      bool

	queued    int
	pipe      *pipe.Pipe
	cacheFile *buf.TempFile
	cacheBad  bool
	cached    *os.File
}

// Start runs the request until it has to wait for I/O.
func (u *Upstream) Start() {
	u.started = u.Cycle.Clock.Msec()
	u.Length = -1
	u.Peer.Policy = u.Conf.Policy
	u.Peer.RcvBuf = u.Conf.RcvBuf
	u.Peer.Log = u.Log

	if err := u.Protocol.CreateRequest(u); err != nil {
		u.Log.Error("create upstream request failed", "error", err)
		u.finalize(http.StatusInternalServerError)
		return
	}
	u.saveRequest()

	if u.Conf.Cache != nil && u.CacheKey != "" && u.serveCached() {
		return
	}

	if err := u.Peer.Policy.Init(&u.Peer); err != nil {
		u.Log.Error("init upstream peer failed", "error", err)
		u.finalize(http.StatusInternalServerError)
		return
	}

	if u.Client != nil {
		u.Client.Read.Handler = u.checkBrokenConnection
	}

	u.connect()
}

// Finalized reports whether the request was handed back to the downstream.
func (u *Upstream) Finalized() bool {
	return u.finalized
}

// UpstreamStatus lists the status of every attempt, "-" for attempts that
// produced no header.
func (u *Upstream) UpstreamStatus() string {
	parts := make([]string, 0, len(u.States))
	for _, s := range u.States {
		if s.Status == 0 {
			parts = append(parts, "-")
			continue
		}
		parts = append(parts, strconv.Itoa(s.Status))
	}
	return strings.Join(parts, ", ")
}

func (u *Upstream) handler(ev *event.Event) {
	if ev.Write {
		u.onWrite()
	} else {
		u.onRead()
	}
}

func (u *Upstream) dummy() {}

func (u *Upstream) now() int64 {
	return u.Cycle.Clock.Msec()
}

func (u *Upstream) elapsed(since int64) time.Duration {
	return time.Duration(u.now()-since) * time.Millisecond
}

func (u *Upstream) connect() {
	u.Err = nil
	u.state = &State{
		ConnectTime:  -1,
		HeaderTime:   -1,
		ResponseTime: -1,
		started:      u.now(),
	}
	u.States = append(u.States, u.state)

	err := peer.Connect(&u.Peer, u.Cycle)
	u.state.Peer = u.Peer.Name

	switch {
	case errors.Is(err, peer.ErrBusy):
		u.Log.Error("no live upstreams")
		u.next(FailNoLive)
		return

	case errors.Is(err, event.ErrDeclined):
		u.peerActive = true
		u.Err = err
		u.next(FailError)
		return

	case err != nil && !errors.Is(err, event.ErrAgain) && !errors.Is(err, event.ErrDone):
		u.peerActive = true
		u.Log.Error("connect to upstream failed", "peer", u.Peer.Name, "error", err)
		u.finalize(http.StatusInternalServerError)
		return
	}

	u.peerActive = true

	c := u.Peer.Conn
	c.Data = u
	c.Read.Handler = u.handler
	c.Write.Handler = u.handler
	u.state.sentBase = c.Sent
	u.state.recvBase = c.Received

	u.onWrite = u.sendRequestHandler
	u.onRead = u.processHeaderHandler
	u.writer = buf.NewWriter(c)

	u.Log.Debug("upstream connect", "peer", u.Peer.Name, "cached", u.Peer.Cached, "tries", u.Peer.Tries)

	if errors.Is(err, event.ErrAgain) {
		if u.Conf.ConnectTimeout > 0 {
			u.Cycle.Timers.Add(c.Write, u.Conf.ConnectTimeout)
		}
		return
	}

	u.connected = true
	u.state.ConnectTime = u.elapsed(u.state.started)
	u.sendRequest()
}

func (u *Upstream) sendRequestHandler() {
	c := u.Peer.Conn

	if c.Write.Timedout {
		c.Write.Timedout = false
		if u.connected {
			u.Log.Warn("upstream timed out while sending request", "peer", u.Peer.Name)
		} else {
			u.Log.Warn("upstream timed out while connecting", "peer", u.Peer.Name)
		}
		u.next(FailTimeout)
		return
	}

	if u.requestSent {
		return
	}

	u.sendRequest()
}

func (u *Upstream) testConnect() bool {
	if u.connected {
		return true
	}

	if err := peer.TestConnect(u.Peer.Conn); err != nil {
		u.Err = err
		u.Log.Warn("connect to upstream failed", "peer", u.Peer.Name, "error", err)
		u.next(FailError)
		return false
	}

	u.connected = true
	u.state.ConnectTime = u.elapsed(u.state.started)
	return true
}

func (u *Upstream) sendRequest() {
	c := u.Peer.Conn

	if !u.testConnect() {
		return
	}

	var err error
	if !u.requestQueued {
		u.requestQueued = true
		err = u.writer.Write(u.Request...)
	} else {
		err = u.writer.Write()
	}

	if errors.Is(err, event.ErrAgain) {
		if u.Conf.SendTimeout > 0 {
			u.Cycle.Timers.Add(c.Write, u.Conf.SendTimeout)
		}
		if err := u.Cycle.HandleWriteEvent(c.Write); err != nil {
			u.finalize(http.StatusInternalServerError)
		}
		return
	}
	if err != nil {
		u.Err = err
		u.Log.Warn("send request to upstream failed", "peer", u.Peer.Name, "error", err)
		u.next(FailError)
		return
	}

	u.requestSent = true
	u.onWrite = u.dummy

	if c.Write.TimerSet {
		u.Cycle.Timers.Del(c.Write)
	}
	if err := u.Cycle.HandleWriteEvent(c.Write); err != nil {
		u.finalize(http.StatusInternalServerError)
		return
	}

	if u.Conf.ReadTimeout > 0 {
		u.Cycle.Timers.Add(c.Read, u.Conf.ReadTimeout)
	}

	if c.Read.Ready {
		u.processHeader()
		return
	}

	if err := u.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		u.finalize(http.StatusInternalServerError)
	}
}

func (u *Upstream) processHeaderHandler() {
	c := u.Peer.Conn

	if c.Read.Timedout {
		c.Read.Timedout = false
		u.Log.Warn("upstream timed out while reading response header", "peer", u.Peer.Name)
		u.next(FailTimeout)
		return
	}

	if !u.requestSent && !u.testConnect() {
		return
	}

	u.processHeader()
}

func (u *Upstream) processHeader() {
	c := u.Peer.Conn

	if u.Buffer == nil {
		u.Buffer = buf.FromPool(u.Pool, u.Conf.BufferSize)
		if u.Buffer == nil {
			u.finalize(http.StatusInternalServerError)
			return
		}
	}

	for {
		n, err := c.Recv(c, u.Buffer.Free())
		if errors.Is(err, event.ErrAgain) {
			if err := u.Cycle.HandleReadEvent(c.Read, 0); err != nil {
				u.finalize(http.StatusInternalServerError)
			}
			return
		}
		if err != nil {
			u.Err = err
			u.Log.Warn("read response header failed", "peer", u.Peer.Name, "error", err)
			u.next(FailError)
			return
		}
		if n == 0 {
			u.Log.Warn("upstream prematurely closed connection while reading response header", "peer", u.Peer.Name)
			u.next(FailError)
			return
		}

		u.Buffer.Last += n

		err = u.Protocol.ProcessHeader(u)
		if errors.Is(err, event.ErrAgain) {
			if u.Buffer.Full() {
				u.Err = ErrHeaderTooLarge
				u.Log.Error("upstream sent too big header", "peer", u.Peer.Name, "size", len(u.Buffer.Mem))
				u.next(FailInvalidHeader)
				return
			}
			continue
		}
		if errors.Is(err, ErrInvalidHeader) {
			u.Err = err
			u.Log.Error("upstream sent invalid header", "peer", u.Peer.Name, "error", err)
			u.next(FailInvalidHeader)
			return
		}
		if err != nil {
			u.Log.Error("process response header failed", "peer", u.Peer.Name, "error", err)
			u.finalize(http.StatusInternalServerError)
			return
		}
		break
	}

	u.state.HeaderTime = u.elapsed(u.state.started)
	u.state.Status = u.Headers.Status
	u.Peer.KeepAlive = u.Headers.KeepAlive

	if c.Read.TimerSet {
		u.Cycle.Timers.Del(c.Read)
	}

	u.Log.Debug("upstream response header", "peer", u.Peer.Name, "status", u.Headers.Status)

	if u.testNext() || u.interceptErrors() {
		return
	}

	if u.Headers.Location != "" {
		u.Headers.Location = u.Protocol.RewriteRedirect(u, u.Headers.Location)
	}

	u.sendResponse()
}

// testNext moves on to the next peer for a status listed in NextUpstream,
// unless this is the last try.
func (u *Upstream) testNext() bool {
	ft := statusFailure(u.Headers.Status)
	if ft == 0 || u.Conf.NextUpstream&ft == 0 || u.Peer.Tries <= 1 || u.nextTimedOut() {
		return false
	}

	u.next(ft)
	return true
}

func (u *Upstream) interceptErrors() bool {
	if !u.Conf.InterceptErrors || u.Headers.Status < http.StatusBadRequest {
		return false
	}

	u.Peer.KeepAlive = false
	u.finalize(u.Headers.Status)
	return true
}

func (u *Upstream) nextTimedOut() bool {
	return u.Conf.NextUpstreamTimeout > 0 && u.elapsed(u.started) >= u.Conf.NextUpstreamTimeout
}

func (u *Upstream) sendResponse() {
	if err := u.Downstream.SendHeader(u); err != nil {
		u.Log.Info("send response header failed", "error", err)
		u.finalize(StatusClientClosed)
		return
	}
	u.HeaderSent = true

	if err := u.Protocol.InputFilterInit(u); err != nil {
		u.Log.Error("init response body filter failed", "error", err)
		u.finalize(StatusClose)
		return
	}
	if u.Headers.NoBody {
		u.Length = 0
	}
	if u.Length == 0 {
		u.bodyDone = true
	}

	u.openCacheFile()

	if u.Conf.Buffering {
		u.startBuffered()
		return
	}
	u.startStreamed()
}

// next ends the current attempt with ft and starts another one, or finalizes
// the request when no more attempts are allowed.
func (u *Upstream) next(ft FailureClass) {
	u.state.Failure = ft

	stale := false
	if u.peerActive {
		state := peer.FreeFailed
		switch {
		case u.Peer.Cached && ft == FailError:
			state = peer.FreeStale
			stale = true
		case ft == FailHTTP404:
			state = peer.FreeNext
		}

		u.endAttempt()
		u.releasePeer(state)
	} else {
		u.endAttempt()
	}

	if ft == FailNoLive {
		u.finalize(http.StatusBadGateway)
		return
	}

	if u.Client != nil && u.Client.Error {
		u.finalize(StatusClientClosed)
		return
	}

	if !stale && (u.Peer.Tries == 0 || u.Conf.NextUpstream&ft == 0 || u.nextTimedOut()) {
		u.finalize(ft.Status())
		return
	}

	if !u.reinit() {
		return
	}
	u.connect()
}

func (u *Upstream) reinit() bool {
	u.rewindRequest()

	if err := u.Protocol.ReinitRequest(u); err != nil {
		u.Log.Error("reinit upstream request failed", "error", err)
		u.finalize(http.StatusInternalServerError)
		return false
	}

	u.Headers = Headers{}
	u.Length = -1
	u.connected = false
	u.requestQueued = false
	u.requestSent = false
	u.bodyDone = false
	u.upstreamEOF = false
	u.upstreamError = false
	if u.Buffer != nil {
		u.Buffer.Reset()
	}
	return true
}

func (u *Upstream) saveRequest() {
	u.marks = u.marks[:0]
	for _, b := range u.Request {
		u.marks = append(u.marks, mark{pos: b.Pos, filePos: b.FilePos})
	}
}

func (u *Upstream) rewindRequest() {
	for i, b := range u.Request {
		b.Pos = u.marks[i].pos
		b.FilePos = u.marks[i].filePos
	}
}

// releasePeer reports the attempt to the policy and closes the connection
// unless the policy kept it.
func (u *Upstream) releasePeer(state peer.FreeState) {
	if c := u.Peer.Conn; c != nil {
		if c.Read.TimerSet {
			u.Cycle.Timers.Del(c.Read)
		}
		if c.Write.TimerSet {
			u.Cycle.Timers.Del(c.Write)
		}
		if state != peer.FreeKeepalive {
			u.Peer.KeepAlive = false
		}
		c.Data = nil

		if state == peer.FreeKeepalive && u.Peer.SaveSession != nil {
			u.Peer.SaveSession(&u.Peer)
		}
	}

	u.Peer.Policy.Free(&u.Peer, state)
	u.peerActive = false

	if c := u.Peer.Conn; c != nil {
		u.Peer.Conn = nil
		u.Cycle.Conns.Close(c)
	}
}

func (u *Upstream) endAttempt() {
	s := u.state
	if s == nil || s.ended {
		return
	}
	s.ended = true
	s.ResponseTime = u.elapsed(s.started)

	if c := u.Peer.Conn; c != nil {
		s.BytesSent = c.Sent - s.sentBase
		s.BytesReceived = c.Received - s.recvBase
	}

	if s.Failure != 0 {
		u.Log.Warn("upstream attempt failed",
			slog.String("peer", s.Peer),
			slog.Int("status", s.Status),
			slog.String("failure", s.Failure.String()))
	}

	if u.Conf.Reporter != nil && s.Peer != "" {
		u.Conf.Reporter.Emit(metrics.MetricEvent{
			Type:       metrics.EventAttemptCompleted,
			Backend:    s.Peer,
			Duration:   s.ResponseTime,
			StatusCode: s.Status,
			Failure:    s.Failure.String(),
			Bytes:      s.BodyBytes,
		})
	}
}

// finalize ends the request: the peer goes back to the policy, temp and cache
// files are settled, and the downstream gets the final status.
func (u *Upstream) finalize(status int) {
	if u.finalized {
		return
	}
	u.finalized = true

	complete := u.bodyDone || (u.upstreamEOF && u.Length == -1)

	if u.peerActive {
		state := peer.FreeKeepalive
		if u.upstreamFailed {
			state = peer.FreeFailed
		}
		u.Peer.KeepAlive = u.Peer.KeepAlive && status == 0 && u.bodyDone && !u.upstreamError
		u.endAttempt()
		u.releasePeer(state)
	} else {
		u.endAttempt()
	}

	if u.Client != nil && u.Client.Write.TimerSet {
		u.Cycle.Timers.Del(u.Client.Write)
	}

	if u.pipe != nil && u.pipe.TeeFailed {
		u.cacheBad = true
	}
	if u.cacheFile != nil {
		if status == 0 && complete && !u.cacheBad {
			if err := u.Conf.Cache.Update(u.CacheKey, u.cacheFile); err != nil {
				u.Log.Warn("cache update failed", "key", u.CacheKey, "error", err)
			}
		} else {
			u.Conf.Cache.Free(u.cacheFile)
		}
		u.cacheFile = nil
	}

	if u.pipe != nil {
		if t := u.pipe.TempFile(); t != nil {
			u.Pool.RunFileCleanup(t.File)
		}
	}
	if u.cached != nil {
		u.Pool.RunFileCleanup(u.cached)
		u.cached = nil
	}

	if u.HeaderSent && (status >= http.StatusMultipleChoices || status == StatusClientClosed) {
		status = StatusClose
	}

	u.Log.Debug("finalize upstream request", "status", status, "upstream_status", u.UpstreamStatus())

	u.Protocol.FinalizeRequest(u, status)
	u.Downstream.Finalize(u, status)
}

// finalizeFailed ends a request whose upstream broke after the header went
// out; the peer is blamed.
func (u *Upstream) finalizeFailed(status int, ft FailureClass) {
	u.upstreamFailed = true
	if u.state != nil && u.state.Failure == 0 {
		u.state.Failure = ft
	}
	u.finalize(status)
}

// checkBrokenConnection watches the client while the upstream works.
func (u *Upstream) checkBrokenConnection(ev *event.Event) {
	c := u.Client
	level := u.Cycle.Reactor.Flags()&event.UseLevelEvent != 0

	if ev.Timedout || c.Error {
		return
	}

	closed, err := event.PeekClosed(c)
	if !closed {
		// Pipelined bytes wait for the next request.
		if level && ev.Active {
			_ = u.Cycle.Reactor.Del(ev, event.ReadEvent, 0)
		}
		return
	}

	ev.EOF = true
	ev.Ready = false
	c.Error = true
	if level && ev.Active {
		_ = u.Cycle.Reactor.Del(ev, event.ReadEvent, 0)
	}

	if u.Conf.IgnoreClientAbort {
		u.Log.Info("client closed connection, upstream continues")
		return
	}

	u.Log.Info("client prematurely closed connection", "error", err)
	u.finalize(StatusClientClosed)
}
