package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/health"
	"github.com/steerproxy/steer/internal/lb"
	"github.com/steerproxy/steer/internal/upstream"
)

// errUpstreamExhausted means at least one attempt reached a server and all
// attempts failed: the request surfaces as 502. A first-attempt selection
// failure surfaces lb.ErrNoHealthyUpstream (503) instead.
var errUpstreamExhausted = errors.New("all upstream attempts failed")

// errClientGone means the client disconnected mid-flight; nothing is written
// and nothing is recorded against the upstream.
var errClientGone = errors.New("client disconnected")

// forward runs the attempt loop: select (excluding servers already tried by
// this request), send with per-attempt and overall deadlines, classify, and
// either return the response or move to the next candidate. The returned
// response's Body decrements the server's active-connection gauge and
// releases the attempt context when closed.
func (e *Engine) forward(ctx context.Context, r *http.Request, rt *PoolRuntime, route *config.Route) (*http.Response, *upstream.Server, error) {
	body, err := bufferBody(r)
	if err != nil {
		return nil, nil, err
	}

	overall := time.Now().Add(e.cfg.UpstreamTimeout)
	clientKey := e.affinityKey(r, route)
	tried := make(map[*upstream.Server]struct{})
	reached := false

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		candidates := excluding(rt.Pool.Eligible(time.Now()), tried)
		srv, err := rt.Balancer.Select(candidates, clientKey)
		if err != nil {
			if !reached {
				return nil, nil, lb.ErrNoHealthyUpstream
			}
			break
		}

		attemptWindow := e.cfg.AttemptTimeout
		if remaining := time.Until(overall); remaining < attemptWindow {
			attemptWindow = remaining
		}
		if attemptWindow <= 0 {
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptWindow)

		if attempt > 0 && e.metrics != nil {
			e.metrics.Retries.WithLabelValues(rt.Pool.Name).Inc()
		}

		srv.IncActive()
		res, err := e.roundTrip(attemptCtx, r, srv, route, body)
		if err != nil {
			srv.DecActive()
			cancel()
			if !health.TransportFailure(err) || ctx.Err() == context.Canceled {
				return nil, nil, errClientGone
			}
			rt.Checker.ReportFailure(srv)
			e.log.Debug().Str("pool", rt.Pool.Name).Str("upstream", srv.Addr()).Err(err).Msg("upstream attempt failed")
			tried[srv] = struct{}{}
			reached = true
			continue
		}

		if e.retriable(res.StatusCode) {
			rt.Checker.ReportFailure(srv)
			res.Body.Close()
			srv.DecActive()
			cancel()
			tried[srv] = struct{}{}
			reached = true
			continue
		}

		if rt.Checker.BadStatus(res.StatusCode) {
			rt.Checker.ReportFailure(srv)
		} else {
			rt.Checker.ReportSuccess(srv)
		}
		res.Body = &attemptBody{rc: res.Body, srv: srv, cancel: cancel}
		return res, srv, nil
	}
	return nil, nil, errUpstreamExhausted
}

// roundTrip performs one attempt against one server.
func (e *Engine) roundTrip(ctx context.Context, r *http.Request, srv *upstream.Server, route *config.Route, body []byte) (*http.Response, error) {
	base := srv.URL
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setForwardedMeta(hdr, r)
	reqUp.Header = hdr

	switch {
	case route.HostRewrite != "":
		reqUp.Host = route.HostRewrite
	case route.PreserveHost:
		reqUp.Host = r.Host
	default:
		reqUp.Host = base.Host
	}

	return e.transports.Get(route.Proto).RoundTrip(reqUp)
}

func (e *Engine) retriable(status int) bool {
	statuses := e.cfg.RetryStatuses
	if len(statuses) == 0 {
		statuses = health.DefaultBadStatuses
	}
	for _, code := range statuses {
		if code == status {
			return true
		}
	}
	return false
}

// affinityKey is what the hashing policy maps to a server: the client IP, or
// the rate-zone header when the route keys on one.
func (e *Engine) affinityKey(r *http.Request, route *config.Route) string {
	if route.RateZone != "" {
		if zone, ok := e.zones[route.RateZone]; ok {
			if k := zone.KeyFor(r); k != "" {
				return k
			}
		}
	}
	return clientIP(r.RemoteAddr)
}

// bufferBody reads the request body into memory so it can be replayed across
// attempts. Cacheable methods have no body; mutating requests usually get a
// single attempt anyway, but replay keeps retries correct when they are
// configured retriable.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func excluding(servers []*upstream.Server, tried map[*upstream.Server]struct{}) []*upstream.Server {
	if len(tried) == 0 {
		return servers
	}
	out := servers[:0:0]
	for _, s := range servers {
		if _, ok := tried[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// attemptBody ties attempt resources to the response body lifetime: the
// active-connection gauge drops and the attempt context is released when the
// engine finishes streaming.
type attemptBody struct {
	rc     io.ReadCloser
	srv    *upstream.Server
	cancel context.CancelFunc
	closed bool
}

func (b *attemptBody) Read(p []byte) (int, error) { return b.rc.Read(p) }

func (b *attemptBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.rc.Close()
	b.srv.DecActive()
	b.cancel()
	return err
}
