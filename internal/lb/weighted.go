package lb

import (
	"sync"

	"github.com/steerproxy/steer/internal/upstream"
)

// smoothWRR implements nginx-style smooth weighted round-robin: each call the
// candidate weights accumulate, the heaviest accumulated candidate wins and
// pays back the total. A weight-3 server among [3,2,1] is never picked three
// times back to back; bursts are spread across the rotation.
type smoothWRR struct {
	mu sync.Mutex
	cw map[*upstream.Server]int
}

func newSmoothWRR() *smoothWRR {
	return &smoothWRR{cw: make(map[*upstream.Server]int)}
}

func (b *smoothWRR) Select(candidates []*upstream.Server, _ string) (*upstream.Server, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *upstream.Server
	total := 0
	for _, s := range candidates {
		b.cw[s] += s.Weight
		total += s.Weight
		if best == nil || b.cw[s] > b.cw[best] {
			best = s
		}
	}
	b.cw[best] -= total
	return best, nil
}
