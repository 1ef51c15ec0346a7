package strategy

import (
	"fmt"

	"github.com/angeloszaimis/evproxy/internal/backend"
)

const (
	RoundRobin         = "round-robin"
	WeightedRoundRobin = "weighted-round-robin"
	Random             = "random"
	LeastConn          = "least-conn"
	LeastResponse      = "least-response"
	ConsistentHash     = "consistent_hash"
)

// Names lists every strategy New accepts.
var Names = []string{RoundRobin, WeightedRoundRobin, Random, LeastConn, LeastResponse, ConsistentHash}

// Strategy picks one of candidates. key is the per-request hash key (the
// client address); strategies that do not hash ignore it.
type Strategy interface {
	Select(candidates []*backend.Backend, key string) *backend.Backend
	Name() string
}

// New returns the strategy called name.
func New(name string, virtualNodes int) (Strategy, error) {
	switch name {
	case RoundRobin:
		return NewRoundRobinStrategy(), nil
	case WeightedRoundRobin:
		return NewWeightedRoundRobinStrategy(), nil
	case Random:
		return NewRandomStrategy(), nil
	case LeastConn:
		return NewLeastConnStrategy(), nil
	case LeastResponse:
		return NewLeastResponseStrategy(), nil
	case ConsistentHash:
		return NewConsistentHashStrategy(virtualNodes), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
