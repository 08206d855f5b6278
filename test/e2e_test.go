package tests

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steerproxy/steer/internal/admin"
	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/engine"
	"github.com/steerproxy/steer/internal/metrics"
)

// stack is a fully wired instance: config parsed from yaml, proxy and admin
// servers listening on loopback.
type stack struct {
	proxy *httptest.Server
	admin *httptest.Server
	store cache.Provider
}

func startStack(t *testing.T, yamlCfg string) *stack {
	t.Helper()
	cfg, err := config.Parse([]byte(yamlCfg))
	require.NoError(t, err)

	var store cache.Provider
	if cfg.Cache.Backend == "memory" {
		store = cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	}

	m := metrics.New()
	m.ObservePools(cfg.Pools)

	eng, err := engine.New(cfg, store, nil, m, zerolog.Nop())
	require.NoError(t, err)

	s := &stack{
		proxy: httptest.NewServer(eng),
		admin: httptest.NewServer(admin.Handler(eng, store, m)),
		store: store,
	}
	t.Cleanup(s.proxy.Close)
	t.Cleanup(s.admin.Close)
	return s
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(rawURL)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, string(body)
}

func TestWeightedDistribution(t *testing.T) {
	var big, small atomic.Int64
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		big.Add(1)
		io.WriteString(w, "big")
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		small.Add(1)
		io.WriteString(w, "small")
	}))
	defer b.Close()

	s := startStack(t, fmt.Sprintf(`
entrypoint:
  - name: web
    address: "127.0.0.1:0"
pools:
  - name: web
    policy: weighted
    servers:
      - url: %q
        weight: 2
      - url: %q
        weight: 1
routes:
  - name: all
    match:
      path_prefix: /
    pool: web
`, a.URL, b.URL))

	for i := 0; i < 30; i++ {
		res, _ := get(t, s.proxy.URL+"/x")
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	assert.EqualValues(t, 20, big.Load())
	assert.EqualValues(t, 10, small.Load())
}

func TestAdminEndpoints(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "content")
	}))
	defer origin.Close()

	s := startStack(t, fmt.Sprintf(`
pools:
  - name: web
    servers:
      - url: %q
routes:
  - name: all
    match:
      path_prefix: /
    pool: web
cache:
  backend: memory
  rules:
    - path_prefix: /api
      default_ttl: 1m
`, origin.URL))

	t.Run("healthz", func(t *testing.T) {
		res, body := get(t, s.admin.URL+"/healthz")
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "ok", body)
	})

	t.Run("upstreams", func(t *testing.T) {
		res, body := get(t, s.admin.URL+"/upstreams")
		require.Equal(t, http.StatusOK, res.StatusCode)

		var out []admin.UpstreamStatus
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "web", out[0].Pool)
		assert.Equal(t, "healthy", out[0].State)
		assert.Equal(t, "primary", out[0].Role)
	})

	t.Run("purge", func(t *testing.T) {
		// Warm the cache, confirm the hit, purge, confirm the refetch.
		get(t, s.proxy.URL+"/api/item")
		get(t, s.proxy.URL+"/api/item")
		require.EqualValues(t, 1, hits.Load())

		proxyHost := strings.TrimPrefix(s.proxy.URL, "http://")
		res, err := http.Post(s.admin.URL+"/cache/purge?prefix=GET:"+proxyHost+"/api", "", nil)
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)

		var out map[string]int
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		assert.Equal(t, 1, out["purged"])

		get(t, s.proxy.URL+"/api/item")
		assert.EqualValues(t, 2, hits.Load())
	})

	t.Run("purge requires prefix", func(t *testing.T) {
		res, err := http.Post(s.admin.URL+"/cache/purge", "", nil)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
}

func TestMetricsExposed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	s := startStack(t, fmt.Sprintf(`
pools:
  - name: web
    servers:
      - url: %q
routes:
  - name: all
    match:
      path_prefix: /
    pool: web
`, origin.URL))

	for i := 0; i < 3; i++ {
		get(t, s.proxy.URL+"/x")
	}

	res, body := get(t, s.admin.URL+"/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `steer_requests_total{method="GET",pool="web",route="all",status="200"} 3`)
	assert.Contains(t, body, `steer_upstream_healthy{pool="web"`)
}

func TestHostRoutingAndRewrite(t *testing.T) {
	var sawHost atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHost.Store(r.Host)
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	s := startStack(t, fmt.Sprintf(`
pools:
  - name: web
    servers:
      - url: %q
routes:
  - name: api
    match:
      host: api.example.com
      path_prefix: /
    pool: web
    options:
      host_rewrite: internal.example.com
`, origin.URL))

	req, err := http.NewRequest(http.MethodGet, s.proxy.URL+"/x", nil)
	require.NoError(t, err)
	req.Host = "api.example.com"
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "internal.example.com", sawHost.Load())

	// A host with no matching route is rejected.
	req2, err := http.NewRequest(http.MethodGet, s.proxy.URL+"/x", nil)
	require.NoError(t, err)
	req2.Host = "other.example.com"
	res2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)
}
