package cache

import (
	"net/http"
	"strings"
	"time"
)

// Rule is one cache directive: requests whose path matches PathPrefix get the
// TTL policy and bypass conditions below. Longest prefix wins.
type Rule struct {
	PathPrefix string

	// TTLByStatus overrides the TTL per response code; a zero duration means
	// the code is not cacheable even if listed.
	TTLByStatus map[int]time.Duration
	// DefaultTTL applies to 200, 301 and 302 when not listed above.
	DefaultTTL time.Duration
	// NotFoundTTL applies to 404; usually much shorter than DefaultTTL.
	NotFoundTTL time.Duration

	// BypassHeader and BypassCookie force a cache bypass when present on the
	// request, regardless of method cacheability.
	BypassHeader string
	BypassCookie string

	VaryHeaders []string
	// MaxEntryBytes caps the stored body; larger responses are passed through
	// uncached. 0 means no per-entry cap.
	MaxEntryBytes int64
	// StaleFor is the stale-while-revalidate window: an expired entry may be
	// served for this long past its TTL while one background refresh runs.
	StaleFor time.Duration
}

// Rules is an ordered directive set; Match assumes it is sorted by prefix
// length descending, which config loading guarantees.
type Rules []Rule

// Match returns the directive covering path, or nil when the path is not
// cached at all.
func (rs Rules) Match(path string) *Rule {
	for i := range rs {
		if strings.HasPrefix(path, rs[i].PathPrefix) {
			return &rs[i]
		}
	}
	return nil
}

// Cacheable reports whether the request may be served from or stored to the
// cache under this rule. Only GET and HEAD participate; the bypass header and
// cookie give clients and operators an explicit escape hatch.
func (r *Rule) Cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if r.BypassHeader != "" && req.Header.Get(r.BypassHeader) != "" {
		return false
	}
	if r.BypassCookie != "" {
		if _, err := req.Cookie(r.BypassCookie); err == nil {
			return false
		}
	}
	return true
}

// TTLFor returns the storage TTL for a response code, 0 when the response
// must not be cached.
func (r *Rule) TTLFor(status int) time.Duration {
	if ttl, ok := r.TTLByStatus[status]; ok {
		return ttl
	}
	switch status {
	case http.StatusOK, http.StatusMovedPermanently, http.StatusFound:
		return r.DefaultTTL
	case http.StatusNotFound:
		return r.NotFoundTTL
	default:
		return 0
	}
}
