package cache

import (
	"net/http"
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestKey_QueryOrderIrrelevant(t *testing.T) {
	a := Key("GET", mustParse(t, "http://example.com/api?b=2&a=1"), nil, nil)
	b := Key("GET", mustParse(t, "http://example.com/api?a=1&b=2"), nil, nil)
	if a != b {
		t.Errorf("query order changed the key:\n%q\n%q", a, b)
	}
}

func TestKey_HostCaseInsensitive(t *testing.T) {
	a := Key("GET", mustParse(t, "http://Example.COM/x"), nil, nil)
	b := Key("GET", mustParse(t, "http://example.com/x"), nil, nil)
	if a != b {
		t.Errorf("host case changed the key:\n%q\n%q", a, b)
	}
}

func TestKey_MethodAndPathDistinct(t *testing.T) {
	u := mustParse(t, "http://example.com/x")
	if Key("GET", u, nil, nil) == Key("HEAD", u, nil, nil) {
		t.Error("GET and HEAD must have distinct keys")
	}
	if Key("GET", u, nil, nil) == Key("GET", mustParse(t, "http://example.com/y"), nil, nil) {
		t.Error("different paths must have distinct keys")
	}
}

func TestKey_VaryHeaders(t *testing.T) {
	u := mustParse(t, "http://example.com/x")
	gz := http.Header{"Accept-Encoding": []string{"gzip"}}
	br := http.Header{"Accept-Encoding": []string{"br"}}
	vary := []string{"Accept-Encoding"}

	if Key("GET", u, vary, gz) == Key("GET", u, vary, br) {
		t.Error("different vary header values must have distinct keys")
	}
	if Key("GET", u, vary, gz) != Key("GET", u, vary, gz) {
		t.Error("key must be deterministic")
	}
	// A vary header absent from the request contributes nothing.
	if Key("GET", u, vary, http.Header{}) != Key("GET", u, nil, nil) {
		t.Error("absent vary header must not change the key")
	}
}

func TestKeyPrefix_CoversVariants(t *testing.T) {
	u := mustParse(t, "http://example.com/x")
	full := Key("GET", u, []string{"Accept-Encoding"}, http.Header{"Accept-Encoding": []string{"gzip"}})
	prefix := KeyPrefix("GET", u)
	if len(prefix) == 0 || len(full) < len(prefix) || full[:len(prefix)] != prefix {
		t.Errorf("full key %q does not extend prefix %q", full, prefix)
	}
}
