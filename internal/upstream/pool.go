package upstream

import (
	"fmt"
	"time"
)

// HealthParams are the shared passive/active check knobs for a pool.
type HealthParams struct {
	MaxFails      int
	FailTimeout   time.Duration
	ProbeInterval time.Duration
	ProbePath     string
}

// DefaultHealthParams mirrors common reverse-proxy defaults.
func DefaultHealthParams() HealthParams {
	return HealthParams{
		MaxFails:    3,
		FailTimeout: 10 * time.Second,
		ProbePath:   "/",
	}
}

// Pool is the ordered set of servers behind one service. Order is insertion
// order and matters for round-robin fairness. The server slice is immutable
// after construction; only the servers' own atomic fields change.
type Pool struct {
	Name    string
	Policy  string
	Health  HealthParams
	servers []*Server
}

func NewPool(name, policy string, health HealthParams, servers []*Server) (*Pool, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("pool %q: no servers", name)
	}
	primaries := 0
	for _, s := range servers {
		if s.Role == RolePrimary {
			primaries++
		}
	}
	if primaries == 0 {
		return nil, fmt.Errorf("pool %q: at least one primary server required", name)
	}
	if health.MaxFails <= 0 {
		health.MaxFails = DefaultHealthParams().MaxFails
	}
	if health.FailTimeout <= 0 {
		health.FailTimeout = DefaultHealthParams().FailTimeout
	}
	return &Pool{Name: name, Policy: policy, Health: health, servers: servers}, nil
}

// Servers returns all members in insertion order.
func (p *Pool) Servers() []*Server { return p.servers }

// Eligible returns the current selection set: healthy primaries plus
// probationary ones (fail timeout elapsed since the last failure). When no
// primary qualifies, every backup is returned regardless of its own health
// flag; backups are a last resort and tried even when previously marked down.
func (p *Pool) Eligible(now time.Time) []*Server {
	out := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		if s.Role != RolePrimary {
			continue
		}
		if p.selectable(s, now) {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, s := range p.servers {
		if s.Role == RoleBackup {
			out = append(out, s)
		}
	}
	return out
}

// selectable reports whether a server may receive traffic right now. An
// unhealthy server becomes a probationary candidate once FailTimeout has
// elapsed; the next request routed to it is a live probe.
func (p *Pool) selectable(s *Server, now time.Time) bool {
	if s.Healthy() {
		return true
	}
	last := s.LastFailure()
	return !last.IsZero() && now.Sub(last) >= p.Health.FailTimeout
}
