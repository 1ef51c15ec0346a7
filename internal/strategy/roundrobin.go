package strategy

import (
	"github.com/angeloszaimis/evproxy/internal/backend"
)

type roundRobinStrategy struct {
	current uint64
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}

func (rr *roundRobinStrategy) Name() string {
	return RoundRobin
}

func (rr *roundRobinStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	rr.current++
	return candidates[(rr.current-1)%uint64(len(candidates))]
}
