package backend

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Backend is one upstream server with health status, attempt tracking and
// response time monitoring.
type Backend struct {
	url      *url.URL
	name     string
	sockaddr unix.Sockaddr
	weight   int

	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

const ewmaAlpha = 0.2

// New resolves the host of u once and returns a healthy backend.
func New(u *url.URL, weight int) (*Backend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("backend %q has no host", u.String())
	}

	hostport := u.Host
	if u.Port() == "" {
		hostport = net.JoinHostPort(u.Hostname(), "80")
	}

	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve backend %s: %w", hostport, err)
	}

	if weight < 1 {
		weight = 1
	}

	return &Backend{
		url:       u,
		name:      hostport,
		sockaddr:  sockaddr(addr),
		weight:    weight,
		isHealthy: true,
	}, nil
}

func sockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// URL returns the configured backend URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// Name returns host:port, the identity of the backend in logs and metrics.
func (b *Backend) Name() string {
	return b.name
}

// Sockaddr returns the address resolved at construction.
func (b *Backend) Sockaddr() unix.Sockaddr {
	return b.sockaddr
}

func (b *Backend) Weight() int {
	return b.weight
}

// HealthURL returns the URL of the health endpoint at path.
func (b *Backend) HealthURL(path string) string {
	return b.url.ResolveReference(&url.URL{Path: path}).String()
}

// IncrementConn counts an attempt that is in flight.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn ends an attempt.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the number of attempts in flight.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// IsHealthy returns true if the backend is currently healthy.
func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the backend's health status.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// RecordResponse folds the duration of a finished attempt into the EWMA.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	// ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the average response time, or 0 before the first response.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}
