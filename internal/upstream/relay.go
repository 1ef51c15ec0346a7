package upstream

import (
	"errors"
	"net/http"

	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
	"github.com/angeloszaimis/evproxy/internal/pipe"
)

func (u *Upstream) upstreamDone() bool {
	return u.bodyDone || u.upstreamEOF || u.upstreamError
}

// startStreamed relays the body through u.Buffer alone. Bytes go to the client
// as soon as they are read, and the buffer is reused only once the client took
// all of it.
func (u *Upstream) startStreamed() {
	u.queued = u.Buffer.Pos
	u.onRead = u.streamedUpstreamHandler
	u.onWrite = u.dummy
	u.Client.Write.Handler = u.streamedClientHandler

	if size := u.Buffer.Size(); size > 0 && !u.bodyDone {
		b := u.Buffer
		n, done, err := u.Protocol.InputFilter(u, b.Bytes())
		if err != nil {
			u.Log.Warn("upstream sent invalid body", "peer", u.Peer.Name, "error", err)
			u.upstreamError = true
		} else {
			b.Last = b.Pos + n
			u.tee(b.Bytes())
			u.state.BodyBytes += int64(n)
			u.bodyDone = done
		}
	} else {
		u.Buffer.Last = u.Buffer.Pos
	}

	u.relayStreamed()
}

func (u *Upstream) streamedUpstreamHandler() {
	c := u.Peer.Conn
	if c.Read.Timedout {
		u.Log.Warn("upstream timed out while reading response body", "peer", u.Peer.Name)
		u.finalizeFailed(http.StatusGatewayTimeout, FailTimeout)
		return
	}
	u.relayStreamed()
}

func (u *Upstream) streamedClientHandler(ev *event.Event) {
	if ev.Timedout {
		u.clientTimedOut()
		return
	}
	u.relayStreamed()
}

func (u *Upstream) relayStreamed() {
	c := u.Peer.Conn
	b := u.Buffer

	for {
		var err error
		switch {
		case u.queued < b.Last:
			err = u.Out.Write(&buf.Buf{Mem: b.Mem, Pos: u.queued, Last: b.Last, Flush: true})
			u.queued = b.Last
		case u.Out.Busy():
			err = u.Out.Write()
		}
		if err != nil && !errors.Is(err, event.ErrAgain) {
			u.clientWriteFailed(err)
			return
		}

		if !u.Out.Busy() {
			b.Pos, b.Last, u.queued = 0, 0, 0
		}

		if u.upstreamDone() || !c.Read.Ready || b.Full() {
			break
		}

		n, err := c.Recv(c, b.Free())
		if errors.Is(err, event.ErrAgain) {
			break
		}
		if err != nil {
			u.Log.Warn("upstream read failed", "peer", u.Peer.Name, "error", err)
			u.upstreamError = true
			continue
		}
		if n == 0 {
			u.upstreamEOF = true
			continue
		}

		data := b.Mem[b.Last : b.Last+n]
		k, done, err := u.Protocol.InputFilter(u, data)
		if err != nil {
			u.Log.Warn("upstream sent invalid body", "peer", u.Peer.Name, "error", err)
			u.upstreamError = true
			continue
		}

		u.tee(data[:k])
		b.Last += k
		u.state.BodyBytes += int64(k)
		if done {
			u.bodyDone = true
		}
	}

	u.afterRelay()
}

// startBuffered relays the body through a pipe, which reads ahead of the
// client into its own buffers and a temp file.
func (u *Upstream) startBuffered() {
	conf := u.Conf
	p := &pipe.Pipe{
		Upstream:          u.Peer.Conn,
		Out:               u.Out,
		Pool:              u.Pool,
		Log:               u.Log,
		Bufs:              conf.Bufs,
		BusySize:          conf.BusyBuffersSize,
		TempPath:          conf.TempPath,
		MaxTempFileSize:   conf.MaxTempFileSize,
		TempFileWriteSize: conf.TempFileWriteSize,
		InputFilter: func(data []byte) (int, bool, error) {
			return u.Protocol.InputFilter(u, data)
		},
	}
	if u.cacheFile != nil {
		p.Tee = u.cacheFile
	}
	u.pipe = p

	if u.bodyDone {
		p.UpstreamDone = true
		u.Buffer.Last = u.Buffer.Pos
	} else if err := p.Preread(u.Buffer); err != nil {
		u.Log.Warn("upstream sent invalid body", "peer", u.Peer.Name, "error", err)
	}

	u.onRead = u.bufferedUpstreamHandler
	u.onWrite = u.dummy
	u.Client.Write.Handler = u.bufferedClientHandler

	u.relayBuffered(true)
}

func (u *Upstream) bufferedUpstreamHandler() {
	c := u.Peer.Conn
	if c.Read.Timedout {
		u.Log.Warn("upstream timed out while reading response body", "peer", u.Peer.Name)
		u.finalizeFailed(http.StatusGatewayTimeout, FailTimeout)
		return
	}
	u.relayBuffered(false)
}

func (u *Upstream) bufferedClientHandler(ev *event.Event) {
	if ev.Timedout {
		u.clientTimedOut()
		return
	}
	u.relayBuffered(true)
}

func (u *Upstream) relayBuffered(doWrite bool) {
	p := u.pipe

	err := p.Run(doWrite)

	u.bodyDone = p.UpstreamDone
	u.upstreamEOF = p.UpstreamEOF
	u.upstreamError = p.UpstreamError
	u.state.BodyBytes = p.Read

	if err != nil {
		if p.DownstreamError {
			u.clientWriteFailed(err)
			return
		}
		u.Log.Error("relay response body failed", "error", err)
		u.finalize(http.StatusInternalServerError)
		return
	}

	u.afterRelay()
}

// afterRelay arms timers and reactor interest for both sides after a relay
// pass, and finishes the request once everything was sent.
func (u *Upstream) afterRelay() {
	c := u.Peer.Conn
	client := u.Client

	if u.Out.Busy() {
		if u.Conf.ClientSendTimeout > 0 {
			u.Cycle.Timers.Add(client.Write, u.Conf.ClientSendTimeout)
		}
	} else if client.Write.TimerSet {
		u.Cycle.Timers.Del(client.Write)
	}
	if err := u.Cycle.HandleWriteEvent(client.Write); err != nil {
		u.finalize(http.StatusInternalServerError)
		return
	}

	if u.upstreamDone() {
		u.stopReading(c)
		if !u.Out.Busy() && (u.pipe == nil || u.pipe.Done) {
			u.complete()
		}
		return
	}

	if !c.Read.Ready && u.Conf.ReadTimeout > 0 {
		u.Cycle.Timers.Add(c.Read, u.Conf.ReadTimeout)
	} else if c.Read.TimerSet {
		u.Cycle.Timers.Del(c.Read)
	}
	if err := u.Cycle.HandleReadEvent(c.Read, 0); err != nil {
		u.finalize(http.StatusInternalServerError)
	}
}

// stopReading drops the read timer and, on level-triggered reactors, the read
// interest of a finished upstream.
func (u *Upstream) stopReading(c *event.Connection) {
	if c.Read.TimerSet {
		u.Cycle.Timers.Del(c.Read)
	}
	if u.Cycle.Reactor.Flags()&event.UseLevelEvent != 0 && c.Read.Active {
		_ = u.Cycle.Reactor.Del(c.Read, event.ReadEvent, 0)
	}
}

func (u *Upstream) complete() {
	switch {
	case u.upstreamError:
		u.finalizeFailed(http.StatusBadGateway, FailError)
	case u.upstreamEOF && !u.bodyDone && u.Length != -1:
		u.Log.Warn("upstream prematurely closed connection while reading response body", "peer", u.Peer.Name)
		u.finalizeFailed(http.StatusBadGateway, FailError)
	default:
		u.finalize(0)
	}
}

func (u *Upstream) clientTimedOut() {
	u.Client.Timedout = true
	u.Log.Info("client timed out while receiving response")
	u.finalize(http.StatusRequestTimeout)
}

func (u *Upstream) clientWriteFailed(err error) {
	u.Client.Error = true
	u.Log.Info("write to client failed", "error", err)
	u.finalize(StatusClientClosed)
}

func (u *Upstream) tee(data []byte) {
	if u.cacheFile == nil || u.cacheBad || len(data) == 0 {
		return
	}
	if _, err := u.cacheFile.Write(data); err != nil {
		u.Log.Warn("cache write failed", "key", u.CacheKey, "error", err)
		u.cacheBad = true
	}
}
