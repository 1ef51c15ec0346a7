package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/evproxy/internal/backend"
	"github.com/angeloszaimis/evproxy/internal/metrics"
)

// Config describes the active probe.
type Config struct {
	Interval time.Duration
	Path     string
	Timeout  time.Duration
}

// Reporter receives health transitions.
type Reporter interface {
	Emit(metrics.MetricEvent)
}

// HealthCheck periodically sends GET requests to the backend's health path
// and updates its health status. Transitions are logged and reported.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	cfg Config,
	logger *slog.Logger,
	reporter Reporter,
) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("server", b.Name()))
			return

		case <-ticker.C:
			healthy := probe(ctx, client, b.HealthURL(cfg.Path))
			if ctx.Err() != nil {
				continue
			}

			if !b.SetHealthy(healthy) {
				continue
			}

			if healthy {
				logger.Info("Server is back up",
					slog.String("server", b.Name()))
			} else {
				logger.Warn("Server is down",
					slog.String("server", b.Name()))
			}

			if reporter != nil {
				reporter.Emit(metrics.MetricEvent{
					Type:    metrics.EventHealthChanged,
					Backend: b.Name(),
					Healthy: healthy,
				})
			}
		}
	}
}

func probe(ctx context.Context, client *http.Client, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}

	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return res.StatusCode == http.StatusOK
}
