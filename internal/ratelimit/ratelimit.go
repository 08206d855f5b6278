package ratelimit

import (
	"container/list"
	"net"
	"net/http"
	"strings"
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Zone is one admission-control scope: a key extractor plus token-bucket
// parameters shared by every key in the zone.
type Zone struct {
	Name string
	// KeySource is "ip" for the client address, or "header:<Name>" to key by
	// a request header (e.g. an API key). Requests with an empty key share
	// one bucket.
	KeySource string
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity: an idle client may spend this many
	// requests instantly before throttling kicks in.
	Burst int
}

// KeyFor extracts the bucket key for a request.
func (z Zone) KeyFor(r *http.Request) string {
	if strings.HasPrefix(z.KeySource, "header:") {
		return r.Header.Get(strings.TrimPrefix(z.KeySource, "header:"))
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Limiter manages a collection of token bucket rate limiters, keyed by a
// string identifier. Buckets are created lazily; once the collection reaches
// maxKeys the least-recently-used bucket is dropped, so an attacker rotating
// keys cannot grow the map without bound and admission stays O(1) at
// capacity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front = most recently used
	maxKeys int
}

type bucket struct {
	key string
	lim *ratelib.Limiter
}

// DefaultMaxKeys bounds tracked buckets per limiter.
const DefaultMaxKeys = 65536

func NewLimiter(maxKeys int) *Limiter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Limiter{
		buckets: make(map[string]*list.Element),
		order:   list.New(),
		maxKeys: maxKeys,
	}
}

// Allow checks if a request is allowed for the given key, updating the
// bucket's configuration (rate/burst) if it has changed. It never blocks
// waiting for tokens: the decision is immediate.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.Lock()
	var b *bucket
	if el, ok := l.buckets[key]; ok {
		b = el.Value.(*bucket)
		l.order.MoveToFront(el)
	} else {
		if len(l.buckets) >= l.maxKeys {
			l.evictIdlest()
		}
		b = &bucket{key: key, lim: ratelib.NewLimiter(ratelib.Limit(rps), burst)}
		l.buckets[key] = l.order.PushFront(b)
	}
	l.mu.Unlock()

	// Update limit if changed (e.g. hot reload). Exact float comparison is
	// intended: we want an exact config match, not tolerance. The limiter
	// has its own lock, so this happens outside ours.
	if b.lim.Limit() != ratelib.Limit(rps) {
		b.lim.SetLimit(ratelib.Limit(rps))
	}
	if b.lim.Burst() != burst {
		b.lim.SetBurst(burst)
	}

	return b.lim.Allow()
}

// Remove removes the bucket for the given key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.buckets[key]; ok {
		l.order.Remove(el)
		delete(l.buckets, key)
	}
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictIdlest drops the least-recently-used bucket. Caller holds the lock.
// Eviction is a memory bound, not a correctness invariant: a re-created
// bucket simply starts full again.
func (l *Limiter) evictIdlest() {
	el := l.order.Back()
	if el == nil {
		return
	}
	l.order.Remove(el)
	delete(l.buckets, el.Value.(*bucket).key)
}
