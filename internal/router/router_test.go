package router

import (
	"testing"

	"github.com/steerproxy/steer/internal/config"
)

func TestMatch_HostThenWildcard(t *testing.T) {
	tbl := New([]config.Route{
		{Name: "api", Host: "api.example.com", PathPrefix: "/", Pool: "api"},
		{Name: "fallback", PathPrefix: "/", Pool: "web"},
	})

	if r := tbl.Match("api.example.com:443", "/v1/users"); r == nil || r.Name != "api" {
		t.Errorf("exact host (with port) not matched: %+v", r)
	}
	if r := tbl.Match("other.example.com", "/x"); r == nil || r.Name != "fallback" {
		t.Errorf("wildcard not matched: %+v", r)
	}
}

func TestMatch_LongestPrefix(t *testing.T) {
	tbl := New([]config.Route{
		{Name: "root", PathPrefix: "/", Pool: "a"},
		{Name: "api", PathPrefix: "/api", Pool: "b"},
		{Name: "api-v2", PathPrefix: "/api/v2", Pool: "c"},
	})

	cases := map[string]string{
		"/api/v2/things": "api-v2",
		"/api/v1/things": "api",
		"/index.html":    "root",
	}
	for path, want := range cases {
		if r := tbl.Match("any", path); r == nil || r.Name != want {
			t.Errorf("Match(%q) = %+v, want %s", path, r, want)
		}
	}
}

func TestMatch_NoRoute(t *testing.T) {
	tbl := New([]config.Route{{Name: "api", PathPrefix: "/api", Pool: "a"}})
	if r := tbl.Match("any", "/other"); r != nil {
		t.Errorf("unexpected match: %+v", r)
	}
}

func TestMatch_HostCaseInsensitive(t *testing.T) {
	tbl := New([]config.Route{{Name: "api", Host: "API.Example.com", PathPrefix: "/", Pool: "a"}})
	if r := tbl.Match("api.example.com", "/"); r == nil || r.Name != "api" {
		t.Errorf("host matching must be case-insensitive: %+v", r)
	}
}
