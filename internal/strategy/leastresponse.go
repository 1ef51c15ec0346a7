package strategy

import (
	"time"

	"github.com/angeloszaimis/evproxy/internal/backend"
)

type leastResponseStrategy struct{}

func NewLeastResponseStrategy() Strategy {
	return leastResponseStrategy{}
}

func (leastResponseStrategy) Name() string {
	return LeastResponse
}

// Select scores candidates by average response time times load. A candidate
// without a recorded response is tried first.
func (leastResponseStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	var chosen *backend.Backend
	var best time.Duration

	for _, b := range candidates {
		ewma := b.EWMATime()
		if ewma == 0 {
			return b
		}

		score := ewma * (time.Duration(b.ActiveConnections()) + 1)
		if chosen == nil || score < best {
			chosen = b
			best = score
		}
	}

	return chosen
}
