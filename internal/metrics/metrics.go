package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      int64
	clientStatus  map[int]int64
	attempts      map[string]int64
	selections    map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	failures      map[string]map[string]int64
	bytes         map[string]int64
	healthStatus  map[string]bool
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	StatusCodes   map[int]int64             `json:"status_codes"`
	Uptime        time.Duration             `json:"uptime"`
	Backends      map[string]BackendMetrics `json:"backends"`
	Algorithm     string                    `json:"algorithm"`
	Dropped       int64                     `json:"dropped_events"`
}

type BackendMetrics struct {
	Attempts    int64            `json:"attempts"`
	Selections  int64            `json:"selections"`
	Healthy     bool             `json:"healthy"`
	Bytes       int64            `json:"bytes"`
	AvgResponse time.Duration    `json:"avg_response"`
	P50Response time.Duration    `json:"p50_response"`
	P95Response time.Duration    `json:"p95_response"`
	P99Response time.Duration    `json:"p99_response"`
	StatusCodes map[int]int64    `json:"status_codes"`
	Failures    map[string]int64 `json:"failures"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		clientStatus:  make(map[int]int64),
		attempts:      make(map[string]int64),
		selections:    make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		failures:      make(map[string]map[string]int64),
		bytes:         make(map[string]int64),
		healthStatus:  make(map[string]bool),
		startTime:     time.Now(),
	}
}

// RecordRequest counts a finished client request by the status it got.
func (m *Metrics) RecordRequest(statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests++
	m.clientStatus[statusCode]++
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

// RecordAttempt counts one upstream attempt. status is zero when the backend
// never produced a header; failure is empty for a clean attempt.
func (m *Metrics) RecordAttempt(backend string, duration time.Duration, status int, failure string, bytes int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.attempts[backend]++
	m.bytes[backend] += bytes

	m.responseTimes[backend] = append(m.responseTimes[backend], duration)
	if len(m.responseTimes[backend]) > maxSamples {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if status != 0 {
		if m.statusCodes[backend] == nil {
			m.statusCodes[backend] = make(map[int]int64)
		}
		m.statusCodes[backend][status]++
	}

	if failure != "" {
		if m.failures[backend] == nil {
			m.failures[backend] = make(map[string]int64)
		}
		m.failures[backend][failure]++
	}
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot(algorithm string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests: m.requests,
		StatusCodes:   make(map[int]int64, len(m.clientStatus)),
		Uptime:        time.Since(m.startTime),
		Backends:      make(map[string]BackendMetrics),
		Algorithm:     algorithm,
	}
	for code, n := range m.clientStatus {
		snap.StatusCodes[code] = n
	}

	allBackends := make(map[string]bool)
	for backend := range m.attempts {
		allBackends[backend] = true
	}
	for backend := range m.selections {
		allBackends[backend] = true
	}
	for backend := range m.healthStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Attempts:    m.attempts[backend],
			Selections:  m.selections[backend],
			Healthy:     m.healthStatus[backend],
			Bytes:       m.bytes[backend],
			StatusCodes: copyCounts(m.statusCodes[backend]),
			Failures:    copyCounts(m.failures[backend]),
		}

		durations := m.responseTimes[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
