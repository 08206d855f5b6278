package lb

import (
	"sync/atomic"

	"github.com/steerproxy/steer/internal/upstream"
)

// leastConn picks the candidate with the fewest in-flight requests. Ties are
// broken by rotating among the tied servers so equal load does not pin
// traffic to the first pool member.
type leastConn struct {
	tiebreak atomic.Uint64
}

func newLeastConn() *leastConn {
	return &leastConn{}
}

func (b *leastConn) Select(candidates []*upstream.Server, _ string) (*upstream.Server, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	min := candidates[0].ActiveConns()
	ties := candidates[:0:0]
	for _, s := range candidates {
		n := s.ActiveConns()
		switch {
		case n < min:
			min = n
			ties = ties[:0]
			ties = append(ties, s)
		case n == min:
			ties = append(ties, s)
		}
	}
	if len(ties) == 1 {
		return ties[0], nil
	}
	i := b.tiebreak.Add(1) - 1
	return ties[i%uint64(len(ties))], nil
}
