package strategy

import (
	"math/rand"

	"github.com/angeloszaimis/evproxy/internal/backend"
)

type randomStrategy struct{}

func NewRandomStrategy() Strategy {
	return randomStrategy{}
}

func (randomStrategy) Name() string {
	return Random
}

// Select draws a candidate with probability proportional to its weight.
func (randomStrategy) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	total := 0
	for _, b := range candidates {
		total += b.Weight()
	}
	if total == 0 {
		return nil
	}

	n := rand.Intn(total)
	for _, b := range candidates {
		n -= b.Weight()
		if n < 0 {
			return b
		}
	}
	return candidates[len(candidates)-1]
}
