package strategy

import (
	"github.com/angeloszaimis/evproxy/internal/backend"
)

// weightedRoundRobinStrategy is smooth weighted round robin: every candidate
// adds its weight to its running score, the highest score wins and pays back
// the total weight. Scores of servers that were not candidates this time are
// kept, so a retry does not disturb the distribution.
type weightedRoundRobinStrategy struct {
	current map[*backend.Backend]int
}

func NewWeightedRoundRobinStrategy() Strategy {
	return &weightedRoundRobinStrategy{
		current: make(map[*backend.Backend]int),
	}
}

func (w *weightedRoundRobinStrategy) Name() string {
	return WeightedRoundRobin
}

func (w *weightedRoundRobinStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	total := 0
	var chosen *backend.Backend

	for _, b := range candidates {
		weight := b.Weight()
		if weight <= 0 {
			continue
		}

		w.current[b] += weight
		total += weight

		if chosen == nil || w.current[b] > w.current[chosen] {
			chosen = b
		}
	}

	if chosen == nil {
		return nil
	}

	w.current[chosen] -= total
	return chosen
}
