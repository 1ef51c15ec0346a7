package strategy

import (
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/angeloszaimis/evproxy/internal/backend"
)

const defaultVirtualNodes = 100

// consistentHashStrategy maps a request key onto a ring of virtual nodes. The
// ring covers every backend ever offered; when the owner of a key is not a
// candidate, the walk continues clockwise to the next candidate.
type consistentHashStrategy struct {
	virtualNodes int
	ring         *ring
	known        map[*backend.Backend]struct{}
}

type ring struct {
	positions []uint32
	owners    map[uint32]*backend.Backend
}

func NewConsistentHashStrategy(virtualNodes int) Strategy {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &consistentHashStrategy{
		virtualNodes: virtualNodes,
		known:        make(map[*backend.Backend]struct{}),
	}
}

func (s *consistentHashStrategy) Name() string {
	return ConsistentHash
}

func buildRing(backends map[*backend.Backend]struct{}, vnodes int) *ring {
	r := &ring{
		positions: make([]uint32, 0, len(backends)*vnodes),
		owners:    make(map[uint32]*backend.Backend, len(backends)*vnodes),
	}

	for b := range backends {
		for i := 0; i < vnodes; i++ {
			hash := crc32.ChecksumIEEE([]byte(b.Name() + "#" + strconv.Itoa(i)))
			if _, taken := r.owners[hash]; taken {
				continue
			}
			r.positions = append(r.positions, hash)
			r.owners[hash] = b
		}
	}

	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
	return r
}

func (s *consistentHashStrategy) Select(candidates []*backend.Backend, key string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	grown := false
	for _, b := range candidates {
		if _, ok := s.known[b]; !ok {
			s.known[b] = struct{}{}
			grown = true
		}
	}
	if grown || s.ring == nil {
		s.ring = buildRing(s.known, s.virtualNodes)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(s.ring.positions), func(i int) bool {
		return s.ring.positions[i] >= hash
	})

	for n := 0; n < len(s.ring.positions); n++ {
		owner := s.ring.owners[s.ring.positions[(idx+n)%len(s.ring.positions)]]
		for _, b := range candidates {
			if b == owner {
				return b
			}
		}
	}

	return candidates[0]
}
