package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steerproxy/steer/internal/upstream"
)

// Cache event labels.
const (
	CacheHit    = "hit"
	CacheStale  = "stale"
	CacheMiss   = "miss"
	CacheStore  = "store"
	CacheBypass = "bypass"
)

// Registry holds the proxy's metrics on a dedicated prometheus registry so
// the admin server exposes exactly what we register.
type Registry struct {
	reg *prometheus.Registry

	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	Retries     *prometheus.CounterVec
	CacheEvents *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steer_requests_total",
			Help: "Requests handled, by pool, route, method and status.",
		}, []string{"pool", "route", "method", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steer_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool", "route"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steer_upstream_retries_total",
			Help: "Forwarding attempts beyond the first, by pool.",
		}, []string{"pool"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steer_cache_events_total",
			Help: "Cache lookups and stores by outcome.",
		}, []string{"event"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steer_ratelimit_rejected_total",
			Help: "Requests rejected by admission control, by zone.",
		}, []string{"zone"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		r.Requests, r.Latency, r.Retries, r.CacheEvents, r.RateLimited,
	)
	return r
}

// ObservePools registers a collector reading live upstream state, so health
// and connection gauges are always current without explicit updates.
func (r *Registry) ObservePools(pools map[string]*upstream.Pool) {
	r.reg.MustRegister(&poolCollector{pools: pools})
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	descState = prometheus.NewDesc(
		"steer_upstream_healthy",
		"Whether the upstream is in the healthy state (1) or not (0).",
		[]string{"pool", "upstream"}, nil)
	descActive = prometheus.NewDesc(
		"steer_upstream_active_connections",
		"In-flight requests per upstream.",
		[]string{"pool", "upstream"}, nil)
	descFails = prometheus.NewDesc(
		"steer_upstream_consecutive_failures",
		"Current consecutive failure count per upstream.",
		[]string{"pool", "upstream"}, nil)
)

type poolCollector struct {
	pools map[string]*upstream.Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descState
	ch <- descActive
	ch <- descFails
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for name, pool := range c.pools {
		for _, s := range pool.Servers() {
			healthy := 0.0
			if s.Healthy() {
				healthy = 1.0
			}
			ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, healthy, name, s.Addr())
			ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(s.ActiveConns()), name, s.Addr())
			ch <- prometheus.MustNewConstMetric(descFails, prometheus.GaugeValue, float64(s.FailCount()), name, s.Addr())
		}
	}
}
