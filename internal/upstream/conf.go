package upstream

import (
	"os"
	"time"

	"github.com/angeloszaimis/evproxy/internal/buf"
	"github.com/angeloszaimis/evproxy/internal/metrics"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/pipe"
)

// Conf is shared by every request proxied to the same group of servers.
type Conf struct {
	Policy peer.Policy

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReadTimeout    time.Duration
	// ClientSendTimeout bounds a stalled write to the client while relaying.
	ClientSendTimeout time.Duration

	NextUpstream        FailureClass
	NextUpstreamTimeout time.Duration

	// BufferSize is the header buffer, reused as the body buffer when
	// streaming.
	BufferSize int
	Buffering  bool

	Bufs              pipe.Bufs
	BusyBuffersSize   int64
	TempPath          string
	MaxTempFileSize   int64
	TempFileWriteSize int64

	// InterceptErrors replaces upstream responses with status >= 400 by the
	// proxy's own error page.
	InterceptErrors   bool
	IgnoreClientAbort bool

	RcvBuf int

	Cache    Cache
	Reporter Reporter
}

// DefaultConf mirrors the usual reverse proxy defaults.
func DefaultConf() *Conf {
	return &Conf{
		ConnectTimeout:    60 * time.Second,
		SendTimeout:       60 * time.Second,
		ReadTimeout:       60 * time.Second,
		ClientSendTimeout: 60 * time.Second,
		NextUpstream:      DefaultNextUpstream,
		BufferSize:        4096,
		Buffering:         true,
		Bufs:              pipe.Bufs{Num: 8, Size: 4096},
		BusyBuffersSize:   8192,
		TempPath:          os.TempDir(),
		MaxTempFileSize:   1 << 30,
		TempFileWriteSize: 8192,
	}
}

// Cache stores complete upstream responses, header included, by key.
type Cache interface {
	// Open returns the stored response or nil on a miss.
	Open(key string) (*os.File, error)
	// Create starts a new entry; the caller fills it.
	Create(key string) (*buf.TempFile, error)
	// Update publishes a filled entry.
	Update(key string, tf *buf.TempFile) error
	// Free drops an entry that will not be published.
	Free(tf *buf.TempFile)
}

// Reporter receives one event per finished attempt.
type Reporter interface {
	Emit(metrics.MetricEvent)
}
