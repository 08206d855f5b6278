package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/metrics"
)

// fetchResult is a fully-buffered origin response, shareable between the
// singleflight leader and its waiters.
type fetchResult struct {
	status   int
	header   http.Header
	body     []byte
	upstream string
}

// serveCacheableMiss forwards through the singleflight group so concurrent
// misses for one key cost a single origin request; waiters receive the
// leader's buffered result.
func (e *Engine) serveCacheableMiss(w http.ResponseWriter, r *http.Request, rt *PoolRuntime, route *config.Route, rule *cache.Rule, key string) string {
	v, err, shared := e.fetchGroup.Do(key, func() (any, error) {
		return e.originFetch(r.Context(), r, rt, route, rule, key)
	})
	if err != nil {
		if (shared && errors.Is(err, errClientGone)) || errors.Is(err, errRefreshBusy) {
			// Either the leader's client vanished (not ours), or we latched
			// onto a capped background refresh; fetch independently.
			return e.serveStreaming(w, r, rt, route)
		}
		e.respondError(w, rt, err)
		return ""
	}
	fr := v.(*fetchResult)
	copyHeaders(w.Header(), fr.header)
	e.addDiagnostics(w.Header(), fr.upstream, "MISS")
	w.WriteHeader(fr.status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(fr.body)
	}
	return fr.upstream
}

// originFetch forwards and buffers one origin response, storing it when the
// directive's TTL policy allows.
func (e *Engine) originFetch(ctx context.Context, r *http.Request, rt *PoolRuntime, route *config.Route, rule *cache.Rule, key string) (*fetchResult, error) {
	res, srv, err := e.forward(ctx, r, rt, route)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errClientGone
		}
		return nil, errUpstreamExhausted
	}

	dropHopByHop(res.Header)
	dropInternal(res.Header)
	fr := &fetchResult{
		status:   res.StatusCode,
		header:   cloneHeader(res.Header),
		body:     body,
		upstream: srv.Addr(),
	}
	e.maybeStore(key, rule, r.Method, fr)
	return fr, nil
}

// maybeStore populates the cache per the status-specific TTL policy. Store
// failures degrade to miss behavior inside the providers; they never fail the
// request.
func (e *Engine) maybeStore(key string, rule *cache.Rule, method string, fr *fetchResult) {
	// Keys carry the method, so a bodyless HEAD entry never shadows the GET
	// entry for the same resource.
	if method != http.MethodGet && method != http.MethodHead {
		return
	}
	ttl := rule.TTLFor(fr.status)
	if ttl <= 0 {
		return
	}
	if rule.MaxEntryBytes > 0 && int64(len(fr.body)) > rule.MaxEntryBytes {
		return
	}
	e.store.Put(key, &cache.Entry{
		Status:   fr.status,
		Header:   fr.header,
		Body:     fr.body,
		Created:  time.Now(),
		TTL:      ttl,
		StaleFor: rule.StaleFor,
	})
	e.countCache(metrics.CacheStore)
}

// refresh starts one background revalidation for a stale key. The
// singleflight group is the cache lock: concurrent stale hits share a single
// refresher. The semaphore caps refreshers globally; when it is full the
// stale entry simply gets served again until a slot frees up.
func (e *Engine) refresh(key string, rule *cache.Rule, r *http.Request, rt *PoolRuntime, route *config.Route) {
	req := r.Clone(context.Background())
	req.Body = nil
	req.ContentLength = 0

	go func() {
		_, _, _ = e.fetchGroup.Do(key, func() (any, error) {
			select {
			case e.refreshSem <- struct{}{}:
			default:
				return nil, errRefreshBusy
			}
			defer func() { <-e.refreshSem }()

			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.UpstreamTimeout)
			defer cancel()
			fr, err := e.originFetch(ctx, req, rt, route, rule, key)
			if err != nil {
				e.log.Debug().Str("key", key).Err(err).Msg("background refresh failed")
				return nil, err
			}
			return fr, nil
		})
	}()
}

var errRefreshBusy = errors.New("refresh concurrency cap reached")
