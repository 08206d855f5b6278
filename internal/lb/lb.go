package lb

import (
	"errors"
	"fmt"

	"github.com/steerproxy/steer/internal/upstream"
)

// Policy names accepted in pool configuration.
const (
	PolicyRoundRobin = "round_robin"
	PolicyWeighted   = "weighted"
	PolicyLeastConn  = "least_conn"
	PolicyIPHash     = "ip_hash"
)

// ErrNoHealthyUpstream is returned when the candidate set is empty or fully
// excluded. The engine maps it to 503.
var ErrNoHealthyUpstream = errors.New("no healthy upstream")

// Balancer picks one server out of the currently-eligible candidates.
// Candidates are a subset of the pool the balancer was built for: the engine
// filters out unhealthy servers and servers already tried by the current
// request before calling Select. key is the client affinity key; only the
// hashing policy uses it.
//
// A policy is chosen once at pool construction, not re-dispatched per call.
type Balancer interface {
	Select(candidates []*upstream.Server, key string) (*upstream.Server, error)
}

// New builds the balancer for a pool according to its configured policy.
func New(pool *upstream.Pool) (Balancer, error) {
	switch pool.Policy {
	case "", PolicyRoundRobin:
		return newRoundRobin(pool.Servers()), nil
	case PolicyWeighted:
		return newSmoothWRR(), nil
	case PolicyLeastConn:
		return newLeastConn(), nil
	case PolicyIPHash:
		return newHashRing(pool.Servers()), nil
	default:
		return nil, fmt.Errorf("unknown load-balancing policy %q", pool.Policy)
	}
}
