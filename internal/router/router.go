package router

import (
	"sort"
	"strings"

	"github.com/steerproxy/steer/internal/config"
)

// Table matches inbound requests to routes: exact host first, then wildcard,
// longest path prefix wins within a host.
type Table struct {
	byHost map[string][]config.Route
	any    []config.Route
}

func New(routes []config.Route) *Table {
	t := &Table{byHost: make(map[string][]config.Route)}
	for _, r := range routes {
		if r.Host == "" {
			t.any = append(t.any, r)
			continue
		}
		h := strings.ToLower(r.Host)
		t.byHost[h] = append(t.byHost[h], r)
	}
	for h := range t.byHost {
		sort.SliceStable(t.byHost[h], func(i, j int) bool {
			return len(t.byHost[h][i].PathPrefix) > len(t.byHost[h][j].PathPrefix)
		})
	}
	sort.SliceStable(t.any, func(i, j int) bool {
		return len(t.any[i].PathPrefix) > len(t.any[j].PathPrefix)
	})
	return t
}

func (t *Table) Match(host, path string) *config.Route {
	h := strings.ToLower(hostOnly(host))
	if r := match(t.byHost[h], path); r != nil {
		return r
	}
	return match(t.any, path)
}

func match(rs []config.Route, path string) *config.Route {
	for i := range rs {
		if strings.HasPrefix(path, rs[i].PathPrefix) {
			return &rs[i]
		}
	}
	return nil
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
