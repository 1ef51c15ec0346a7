package upstream

import (
	"errors"
	"io"
	"net/http"

	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/event"
)

// serveCached answers from the response cache. The cached entry is the raw
// upstream response: the header is parsed again by the protocol and the body
// is sent straight from the file.
func (u *Upstream) serveCached() bool {
	f, err := u.Conf.Cache.Open(u.CacheKey)
	if err != nil {
		u.Log.Warn("cache open failed", "key", u.CacheKey, "error", err)
		return false
	}
	if f == nil {
		return false
	}
	u.Pool.AddFileCleanup(f, false)

	fi, err := f.Stat()
	if err != nil {
		u.Pool.RunFileCleanup(f)
		return false
	}

	b := buf.FromPool(u.Pool, u.Conf.BufferSize)
	if b == nil {
		u.Pool.RunFileCleanup(f)
		return false
	}

	n, err := f.ReadAt(b.Mem, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		u.Log.Warn("cache read failed", "key", u.CacheKey, "error", err)
		u.Pool.RunFileCleanup(f)
		return false
	}
	b.Last = n
	u.Buffer = b

	if err := u.Protocol.ProcessHeader(u); err != nil {
		u.Log.Warn("invalid cached response", "key", u.CacheKey, "error", err)
		u.Pool.RunFileCleanup(f)
		u.Buffer.Reset()
		u.Headers = Headers{}
		if err := u.Protocol.ReinitRequest(u); err != nil {
			u.finalize(http.StatusInternalServerError)
			return true
		}
		return false
	}

	u.CacheHit = true
	u.cached = f
	u.Headers.KeepAlive = false
	u.bodyDone = true

	u.Log.Debug("serving from cache", "key", u.CacheKey, "status", u.Headers.Status)

	if err := u.Downstream.SendHeader(u); err != nil {
		u.finalize(StatusClientClosed)
		return true
	}
	u.HeaderSent = true

	body := &buf.Buf{
		File:     f,
		FilePos:  int64(b.Pos),
		FileLast: fi.Size(),
		InFile:   true,
		LastBuf:  true,
	}
	u.Client.Write.Handler = u.cachedClientHandler
	u.sendCached(body)
	return true
}

func (u *Upstream) cachedClientHandler(ev *event.Event) {
	if ev.Timedout {
		u.clientTimedOut()
		return
	}
	u.sendCached()
}

func (u *Upstream) sendCached(in ...*buf.Buf) {
	err := u.Out.Write(in...)
	if errors.Is(err, event.ErrAgain) {
		if u.Conf.ClientSendTimeout > 0 {
			u.Cycle.Timers.Add(u.Client.Write, u.Conf.ClientSendTimeout)
		}
		if err := u.Cycle.HandleWriteEvent(u.Client.Write); err != nil {
			u.finalize(http.StatusInternalServerError)
		}
		return
	}
	if err != nil {
		u.clientWriteFailed(err)
		return
	}
	u.finalize(0)
}

// openCacheFile starts a cache entry with the raw response header; the body
// is teed into it while relaying.
func (u *Upstream) openCacheFile() {
	if u.Conf.Cache == nil || u.CacheKey == "" || u.CacheHit {
		return
	}
	if u.Headers.Status != http.StatusOK || u.Headers.ContentLength < 0 {
		return
	}

	tf, err := u.Conf.Cache.Create(u.CacheKey)
	if err != nil {
		u.Log.Warn("cache create failed", "key", u.CacheKey, "error", err)
		return
	}
	if _, err := tf.Write(u.Buffer.Mem[:u.Buffer.Pos]); err != nil {
		u.Log.Warn("cache write failed", "key", u.CacheKey, "error", err)
		u.Conf.Cache.Free(tf)
		return
	}
	u.cacheFile = tf
}
