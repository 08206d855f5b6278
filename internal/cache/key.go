package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key builds the deterministic cache key for a request:
//
//	METHOD:host/path?sorted-query[\theader: value ...]
//
// The host is lowercased, query parameters are sorted by name then value, and
// each configured vary header present on the request appends a lowercased
// "name: value" section. Two requests build the same key iff a cached
// response for one may be served for the other.
func Key(method string, u *url.URL, varyHeaders []string, reqHeader http.Header) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())
	if q := sortedQuery(u); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	for _, name := range varyHeaders {
		if v := reqHeader.Get(name); v != "" {
			b.WriteByte('\t')
			b.WriteString(strings.ToLower(name))
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}

// KeyPrefix is the key without vary sections, suitable for purging all
// variants of a resource.
func KeyPrefix(method string, u *url.URL) string {
	return Key(method, u, nil, nil)
}

func sortedQuery(u *url.URL) string {
	q := u.Query()
	if len(q) == 0 {
		return ""
	}
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		vals := q[name]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
