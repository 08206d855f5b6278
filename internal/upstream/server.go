package upstream

import (
	"net/url"
	"sync/atomic"
	"time"
)

// Role distinguishes normal rotation members from last-resort servers.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// State is the health classification driving selection eligibility.
type State int32

const (
	StateHealthy State = iota
	StateUnhealthy
)

func (s State) String() string {
	if s == StateUnhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// Server is one backend in a pool. Health fields and the active connection
// gauge are mutated concurrently by in-flight requests, so everything mutable
// is atomic. Servers are created at pool construction and never removed while
// the pool is live.
type Server struct {
	URL    *url.URL
	Weight int
	Role   Role

	state       atomic.Int32
	fails       atomic.Int32
	lastFailure atomic.Int64 // unix nanos, 0 = never
	activeConns atomic.Int64
}

func NewServer(u *url.URL, weight int, role Role) *Server {
	if weight <= 0 {
		weight = 1
	}
	if role == "" {
		role = RolePrimary
	}
	return &Server{URL: u, Weight: weight, Role: role}
}

func (s *Server) Addr() string { return s.URL.Host }

func (s *Server) State() State      { return State(s.state.Load()) }
func (s *Server) Healthy() bool     { return s.State() == StateHealthy }
func (s *Server) FailCount() int    { return int(s.fails.Load()) }
func (s *Server) ActiveConns() int64 { return s.activeConns.Load() }

func (s *Server) LastFailure() time.Time {
	ns := s.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MarkFailure records one failed request outcome and returns the new
// consecutive failure count.
func (s *Server) MarkFailure(at time.Time) int {
	s.lastFailure.Store(at.UnixNano())
	return int(s.fails.Add(1))
}

// MarkSuccess resets the failure streak and restores the healthy state.
func (s *Server) MarkSuccess() {
	s.fails.Store(0)
	s.state.Store(int32(StateHealthy))
}

func (s *Server) SetState(st State) { s.state.Store(int32(st)) }

// ResetFailures clears the failure streak without touching state.
func (s *Server) ResetFailures() { s.fails.Store(0) }

// IncActive and DecActive bracket each forwarding attempt; least-connections
// selection depends on this gauge being accurate.
func (s *Server) IncActive() { s.activeConns.Add(1) }
func (s *Server) DecActive() { s.activeConns.Add(-1) }
