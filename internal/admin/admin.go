package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/engine"
	"github.com/steerproxy/steer/internal/metrics"
)

// UpstreamStatus is the per-server view exposed to operator tooling.
type UpstreamStatus struct {
	Pool        string `json:"pool"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Role        string `json:"role"`
	ActiveConns int64  `json:"active_connections"`
	FailCount   int    `json:"consecutive_failures"`
}

// Handler builds the operator-facing admin mux: liveness, upstream status,
// metrics scrape and cache purge.
func Handler(eng *engine.Engine, store cache.Provider, m *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/upstreams", func(w http.ResponseWriter, _ *http.Request) {
		var out []UpstreamStatus
		for name, rt := range eng.Pools() {
			for _, s := range rt.Pool.Servers() {
				out = append(out, UpstreamStatus{
					Pool:        name,
					Address:     s.Addr(),
					State:       s.State().String(),
					Role:        string(s.Role),
					ActiveConns: s.ActiveConns(),
					FailCount:   s.FailCount(),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	if store != nil {
		r.Post("/cache/purge", func(w http.ResponseWriter, req *http.Request) {
			prefix := req.URL.Query().Get("prefix")
			if prefix == "" {
				http.Error(w, "prefix query parameter required", http.StatusBadRequest)
				return
			}
			n := store.PurgePrefix(prefix)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{"purged": n})
		})
	}

	return r
}
