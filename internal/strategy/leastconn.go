package strategy

import (
	"github.com/angeloszaimis/evproxy/internal/backend"
)

type leastConnStrategy struct{}

func NewLeastConnStrategy() Strategy {
	return leastConnStrategy{}
}

func (leastConnStrategy) Name() string {
	return LeastConn
}

// Select prefers the fewest attempts in flight per unit of weight.
func (leastConnStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	var best *backend.Backend

	for _, b := range candidates {
		if best == nil || b.ActiveConnections()*best.Weight() < best.ActiveConnections()*b.Weight() {
			best = b
		}
	}

	return best
}
