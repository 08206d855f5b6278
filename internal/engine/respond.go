package engine

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/lb"
)

// serveStreaming forwards without cache involvement, streaming the upstream
// body straight to the client.
func (e *Engine) serveStreaming(w http.ResponseWriter, r *http.Request, rt *PoolRuntime, route *config.Route) string {
	res, srv, err := e.forward(r.Context(), r, rt, route)
	if err != nil {
		e.respondError(w, rt, err)
		return ""
	}
	defer res.Body.Close()

	dropHopByHop(res.Header)
	dropInternal(res.Header)
	copyHeaders(w.Header(), res.Header)
	e.addDiagnostics(w.Header(), srv.Addr(), "")
	w.WriteHeader(res.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, _ = io.Copy(w, res.Body)
	return srv.Addr()
}

// serveEntry writes a stored response. Bodies are shared and must not be
// mutated, so headers are copied before the diagnostics are added.
func (e *Engine) serveEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry, cacheStatus string) {
	copyHeaders(w.Header(), entry.Header)
	e.addDiagnostics(w.Header(), "", cacheStatus)
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

// respondError maps forwarding failures to client-visible statuses. The body
// carries only the generic status text: upstream addresses and transport
// errors stay in the logs.
func (e *Engine) respondError(w http.ResponseWriter, rt *PoolRuntime, err error) {
	switch {
	case errors.Is(err, errClientGone):
		// nothing to write, the client is gone
	case errors.Is(err, lb.ErrNoHealthyUpstream):
		e.log.Warn().Str("pool", rt.Pool.Name).Msg("no healthy upstream")
		e.deny(w, http.StatusServiceUnavailable)
	default:
		e.log.Warn().Str("pool", rt.Pool.Name).Err(err).Msg("upstream attempts exhausted")
		e.deny(w, http.StatusBadGateway)
	}
}

func (e *Engine) addDiagnostics(h http.Header, upstreamAddr, cacheStatus string) {
	if e.cfg.SuppressDiagnostics {
		return
	}
	if upstreamAddr != "" {
		h.Set(headerUpstream, upstreamAddr)
	}
	if cacheStatus != "" {
		h.Set(headerCacheInfo, cacheStatus)
	}
}

func sampled(fraction float64) bool {
	return fraction >= 1.0 || rand.Float64() < fraction
}

func clientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

// recordingWriter captures status and byte count for logging and metrics.
type recordingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *recordingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
