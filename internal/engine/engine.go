package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/forward"
	"github.com/steerproxy/steer/internal/health"
	"github.com/steerproxy/steer/internal/lb"
	"github.com/steerproxy/steer/internal/metrics"
	"github.com/steerproxy/steer/internal/ratelimit"
	"github.com/steerproxy/steer/internal/router"
	"github.com/steerproxy/steer/internal/upstream"
)

// PoolRuntime bundles a pool with its selection and health machinery, built
// once at startup.
type PoolRuntime struct {
	Pool     *upstream.Pool
	Balancer lb.Balancer
	Checker  *health.Checker
}

// Engine is the request orchestrator: admission control, cache lookup,
// upstream selection with retry-on-failure, response writing and cache
// population.
type Engine struct {
	routes     *router.Table
	pools      map[string]*PoolRuntime
	transports *forward.Manager
	store      cache.Provider // nil when caching is off
	rules      cache.Rules
	limiter    *ratelimit.Limiter
	zones      map[string]ratelimit.Zone
	cfg        config.ProxyConfig
	accessLog  config.AccessLogConfig
	metrics    *metrics.Registry
	log        zerolog.Logger

	// fetchGroup serializes same-key origin fetches on cacheable paths so a
	// burst of identical misses produces a single upstream request.
	fetchGroup singleflight.Group
	// refreshSem caps concurrent stale-while-revalidate fetches.
	refreshSem chan struct{}
}

func New(cfg *config.Config, store cache.Provider, tm *forward.Manager, m *metrics.Registry, log zerolog.Logger) (*Engine, error) {
	if tm == nil {
		tm = forward.NewDefaultManager()
	}
	pools := make(map[string]*PoolRuntime, len(cfg.Pools))
	for name, pool := range cfg.Pools {
		balancer, err := lb.New(pool)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", name, err)
		}
		pools[name] = &PoolRuntime{
			Pool:     pool,
			Balancer: balancer,
			Checker:  health.NewChecker(pool, cfg.Proxy.BadStatuses, log),
		}
	}
	maxRefreshes := cfg.Cache.MaxRefreshes
	if maxRefreshes <= 0 {
		maxRefreshes = 16
	}
	pc := cfg.Proxy
	if pc.MaxAttempts <= 0 {
		pc.MaxAttempts = 3
	}
	if pc.AttemptTimeout <= 0 {
		pc.AttemptTimeout = 10 * time.Second
	}
	if pc.UpstreamTimeout <= 0 {
		pc.UpstreamTimeout = 30 * time.Second
	}
	return &Engine{
		routes:     router.New(cfg.Routes),
		pools:      pools,
		transports: tm,
		store:      store,
		rules:      cfg.Cache.Rules,
		limiter:    ratelimit.NewLimiter(0),
		zones:      cfg.Zones,
		cfg:        pc,
		accessLog:  cfg.AccessLog,
		metrics:    m,
		log:        log,
		refreshSem: make(chan struct{}, maxRefreshes),
	}, nil
}

// Pools exposes the runtime set for the admin status endpoint.
func (e *Engine) Pools() map[string]*PoolRuntime { return e.pools }

// Run starts the active health probers and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for _, rt := range e.pools {
		go rt.Checker.Run(ctx)
	}
	<-ctx.Done()
}

var _ http.Handler = (*Engine)(nil)

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &recordingWriter{ResponseWriter: w}

	route := e.routes.Match(r.Host, r.URL.Path)
	if route == nil {
		http.NotFound(rec, r)
		return
	}
	rt := e.pools[route.Pool]

	var upstreamAddr string
	defer func() {
		e.finish(rec, r, route, upstreamAddr, start)
	}()

	// Admission: deny before any upstream or cache work.
	if route.RateZone != "" {
		zone := e.zones[route.RateZone]
		if !e.limiter.Allow(zone.Name+"|"+zone.KeyFor(r), zone.Rate, zone.Burst) {
			if e.metrics != nil {
				e.metrics.RateLimited.WithLabelValues(zone.Name).Inc()
			}
			e.deny(rec, http.StatusTooManyRequests)
			return
		}
	}

	// Fresh hits and stale-while-revalidate short-circuit here.
	rule, key := e.cacheable(r)
	if rule != nil {
		if entry, ok := e.store.Get(key); ok {
			now := time.Now()
			if entry.Fresh(now) {
				e.countCache(metrics.CacheHit)
				e.serveEntry(rec, r, entry, "HIT")
				return
			}
			if rule.StaleFor > 0 {
				e.countCache(metrics.CacheStale)
				e.refresh(key, rule, r, rt, route)
				e.serveEntry(rec, r, entry, "STALE")
				return
			}
		}
		e.countCache(metrics.CacheMiss)
		upstreamAddr = e.serveCacheableMiss(rec, r, rt, route, rule, key)
		return
	}
	if e.store != nil && e.rules.Match(r.URL.Path) != nil {
		e.countCache(metrics.CacheBypass)
	}

	// Plain streaming forward for everything else.
	upstreamAddr = e.serveStreaming(rec, r, rt, route)
}

// cacheable returns the matching directive and key when the request may use
// the cache, or nil.
func (e *Engine) cacheable(r *http.Request) (*cache.Rule, string) {
	if e.store == nil {
		return nil, ""
	}
	rule := e.rules.Match(r.URL.Path)
	if rule == nil || !rule.Cacheable(r) {
		return nil, ""
	}
	// Server-side request URLs carry no host; the key needs one so that
	// distinct vhosts behind the same listener do not collide.
	u := *r.URL
	u.Host = r.Host
	return rule, cache.Key(r.Method, &u, rule.VaryHeaders, r.Header)
}

func (e *Engine) countCache(event string) {
	if e.metrics != nil {
		e.metrics.CacheEvents.WithLabelValues(event).Inc()
	}
}

// finish emits the access log entry and request metrics once per request.
func (e *Engine) finish(rec *recordingWriter, r *http.Request, route *config.Route, upstreamAddr string, start time.Time) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.Requests.WithLabelValues(route.Pool, route.Name, r.Method, fmt.Sprint(status)).Inc()
		e.metrics.Latency.WithLabelValues(route.Pool, route.Name).Observe(elapsed.Seconds())
	}
	if e.accessLog.Enabled && sampled(e.accessLog.Sampling) {
		e.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route.Name).
			Str("pool", route.Pool).
			Str("upstream", upstreamAddr).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int64("bytes", rec.bytes).
			Dur("duration", elapsed).
			Msg("request")
	}
}

// deny writes a minimal error response. Internal detail (addresses, errors)
// stays out of the body.
func (e *Engine) deny(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
