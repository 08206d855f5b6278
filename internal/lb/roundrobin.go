package lb

import (
	"sync/atomic"

	"github.com/steerproxy/steer/internal/upstream"
)

// roundRobin walks the pool in insertion order. The cursor advances exactly
// once per Select call: a skipped (ineligible) server still consumes its
// logical position, so fairness holds across health flaps.
type roundRobin struct {
	order  []*upstream.Server
	cursor atomic.Uint64
}

func newRoundRobin(order []*upstream.Server) *roundRobin {
	return &roundRobin{order: order}
}

func (r *roundRobin) Select(candidates []*upstream.Server, _ string) (*upstream.Server, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	n := uint64(len(r.order))
	start := r.cursor.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		s := r.order[(start+i)%n]
		if contains(candidates, s) {
			return s, nil
		}
	}
	return nil, ErrNoHealthyUpstream
}

func contains(set []*upstream.Server, s *upstream.Server) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}
