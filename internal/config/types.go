package config

import (
	"time"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/ratelimit"
	"github.com/steerproxy/steer/internal/upstream"
)

// Config is the validated runtime configuration.
type Config struct {
	Listen      string
	AdminListen string

	Pools  map[string]*upstream.Pool
	Routes []Route

	Cache CacheConfig
	Zones map[string]ratelimit.Zone

	Proxy    ProxyConfig
	Timeouts Timeouts

	AccessLog AccessLogConfig
}

// Route matches a request (host + path prefix) to an upstream pool with
// optional per-route behavior.
type Route struct {
	Name         string
	Host         string // empty => wildcard
	PathPrefix   string // must start with "/"
	Pool         string // Pool name
	PreserveHost bool
	HostRewrite  string // if set, overrides PreserveHost
	RateZone     string // optional admission-control zone
	Proto        string // upstream transport name; default "http1"
}

// CacheConfig selects the provider and carries the directive set.
type CacheConfig struct {
	Backend       string // "memory" (default), "sqlite", or "off"
	Path          string // sqlite file path
	MaxEntries    int
	MaxBytes      int64
	SweepInterval time.Duration
	Rules         cache.Rules
	// MaxRefreshes caps concurrent stale-while-revalidate fetches.
	MaxRefreshes int
}

// ProxyConfig tunes the forwarding loop.
type ProxyConfig struct {
	// MaxAttempts is the total forwarding attempts per request (first try
	// plus retries).
	MaxAttempts int
	// RetryStatuses are response codes retried against a different server.
	RetryStatuses []int
	// BadStatuses are response codes counted as upstream failures by the
	// health checker.
	BadStatuses []int
	// AttemptTimeout bounds a single forwarding attempt.
	AttemptTimeout time.Duration
	// UpstreamTimeout bounds the whole forwarding loop across retries.
	UpstreamTimeout time.Duration
	// SuppressDiagnostics removes the X-Steer-Upstream and X-Cache response
	// headers.
	SuppressDiagnostics bool
}

type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

type AccessLogConfig struct {
	Enabled  bool
	Sampling float64 // 0..1, fraction of requests logged
}
