package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/steerproxy/steer/internal/upstream"
)

// DefaultBadStatuses are the response codes counted as upstream failures when
// the pool does not configure its own set.
var DefaultBadStatuses = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// Checker tracks per-server health for one pool. Passive signals come from
// the engine via ReportSuccess/ReportFailure; the optional active prober
// probes unhealthy servers only, so recovering servers are found quickly
// without adding load to healthy ones.
type Checker struct {
	pool      *upstream.Pool
	badStatus map[int]struct{}
	probe     *http.Client
	log       zerolog.Logger
}

func NewChecker(pool *upstream.Pool, badStatuses []int, log zerolog.Logger) *Checker {
	if len(badStatuses) == 0 {
		badStatuses = DefaultBadStatuses
	}
	bad := make(map[int]struct{}, len(badStatuses))
	for _, code := range badStatuses {
		bad[code] = struct{}{}
	}
	return &Checker{
		pool:      pool,
		badStatus: bad,
		probe:     &http.Client{Timeout: 2 * time.Second},
		log:       log.With().Str("pool", pool.Name).Logger(),
	}
}

// BadStatus reports whether a response code counts as an upstream failure.
func (c *Checker) BadStatus(code int) bool {
	_, ok := c.badStatus[code]
	return ok
}

// TransportFailure classifies a forwarding error. Client-side cancellation is
// not an upstream failure: the backend never got a fair chance to answer.
func TransportFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// ReportSuccess resets the failure streak and restores the server to the
// rotation at full weight.
func (c *Checker) ReportSuccess(s *upstream.Server) {
	if !s.Healthy() {
		c.log.Info().Str("upstream", s.Addr()).Msg("upstream recovered")
	}
	s.MarkSuccess()
}

// ReportFailure records one failed outcome. Reaching MaxFails consecutive
// failures marks the server unhealthy; a failure on an already-unhealthy
// (probationary) server re-arms the fail timeout immediately.
func (c *Checker) ReportFailure(s *upstream.Server) {
	n := s.MarkFailure(time.Now())
	if !s.Healthy() {
		return
	}
	if n >= c.pool.Health.MaxFails {
		s.SetState(upstream.StateUnhealthy)
		c.log.Warn().
			Str("upstream", s.Addr()).
			Int("fails", n).
			Dur("fail_timeout", c.pool.Health.FailTimeout).
			Msg("upstream marked unhealthy")
	}
}

// Run drives the active prober until ctx is cancelled. It is a no-op loop
// when the pool has no probe interval configured.
func (c *Checker) Run(ctx context.Context) {
	if c.pool.Health.ProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pool.Health.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeUnhealthy(ctx)
		}
	}
}

func (c *Checker) probeUnhealthy(ctx context.Context) {
	for _, s := range c.pool.Servers() {
		if s.Healthy() {
			continue
		}
		if c.probeOne(ctx, s) {
			c.log.Info().Str("upstream", s.Addr()).Msg("probe succeeded, upstream healthy")
			s.MarkSuccess()
		}
	}
}

func (c *Checker) probeOne(ctx context.Context, s *upstream.Server) bool {
	u := *s.URL
	u.Path = c.pool.Health.ProbePath
	if u.Path == "" {
		u.Path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	res, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	// Only 2xx/3xx re-admit a server: a probe path answering 404 means the
	// backend is up but not serving what we expect.
	return res.StatusCode >= http.StatusOK &&
		res.StatusCode < http.StatusBadRequest &&
		!c.BadStatus(res.StatusCode)
}
