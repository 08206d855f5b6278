package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func entry(body string, ttl time.Duration) *Entry {
	return &Entry{
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": []string{"text/plain"}},
		Body:    []byte(body),
		Created: time.Now(),
		TTL:     ttl,
	}
}

func TestMemory_GetWithinTTL(t *testing.T) {
	m := NewMemory(0, 0)
	m.Put("k", entry("hello", 10*time.Second))

	got, ok := m.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(got.Body, []byte("hello")) {
		t.Errorf("body = %q, want %q", got.Body, "hello")
	}
}

func TestMemory_ExpiredIsMiss(t *testing.T) {
	m := NewMemory(0, 0)
	e := entry("x", 10*time.Millisecond)
	m.Put("k", e)

	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Fatal("expired entry returned")
	}
	if m.Len() != 0 {
		t.Errorf("lazy removal failed, len = %d", m.Len())
	}
}

func TestMemory_StaleWindowKeepsEntry(t *testing.T) {
	m := NewMemory(0, 0)
	e := entry("x", 10*time.Millisecond)
	e.StaleFor = time.Minute
	m.Put("k", e)

	time.Sleep(20 * time.Millisecond)
	got, ok := m.Get("k")
	if !ok {
		t.Fatal("entry within stale window must remain retrievable")
	}
	if got.Fresh(time.Now()) {
		t.Error("entry should report stale")
	}
}

func TestMemory_MaxEntriesEviction(t *testing.T) {
	m := NewMemory(3, 0)
	for i := 0; i < 5; i++ {
		m.Put(fmt.Sprintf("k%d", i), entry("x", time.Minute))
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
	// Oldest two were evicted.
	for _, k := range []string{"k0", "k1"} {
		if _, ok := m.Get(k); ok {
			t.Errorf("%s should have been evicted", k)
		}
	}
	if _, ok := m.Get("k4"); !ok {
		t.Error("newest entry missing")
	}
}

func TestMemory_LRUOrderOnAccess(t *testing.T) {
	m := NewMemory(2, 0)
	m.Put("a", entry("x", time.Minute))
	m.Put("b", entry("x", time.Minute))

	// Touch a so b becomes the eviction victim.
	if _, ok := m.Get("a"); !ok {
		t.Fatal("setup: a missing")
	}
	m.Put("c", entry("x", time.Minute))

	if _, ok := m.Get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := m.Get("b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestMemory_MaxBytesEviction(t *testing.T) {
	m := NewMemory(0, 100)
	big := entry(string(make([]byte, 80)), time.Minute)
	m.Put("big", big)
	m.Put("big2", entry(string(make([]byte, 80)), time.Minute))

	if m.Bytes() > 200 {
		t.Fatalf("bytes accounting over bound: %d", m.Bytes())
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1 after byte eviction", m.Len())
	}
}

func TestMemory_PurgePrefix(t *testing.T) {
	m := NewMemory(0, 0)
	m.Put("GET:example.com/a", entry("x", time.Minute))
	m.Put("GET:example.com/a\taccept-encoding: gzip", entry("x", time.Minute))
	m.Put("GET:example.com/b", entry("x", time.Minute))

	if n := m.PurgePrefix("GET:example.com/a"); n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if _, ok := m.Get("GET:example.com/b"); !ok {
		t.Error("unrelated key purged")
	}
}

func TestMemory_Sweep(t *testing.T) {
	m := NewMemory(0, 0)
	m.Put("dead", entry("x", time.Millisecond))
	m.Put("live", entry("x", time.Minute))

	time.Sleep(5 * time.Millisecond)
	m.sweep(time.Now())

	if m.Len() != 1 {
		t.Errorf("len = %d, want 1 after sweep", m.Len())
	}
}

func TestSQLite_RoundTripAndExpiry(t *testing.T) {
	s, err := NewSQLite(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Put("k", entry("persisted", time.Minute))
	got, ok := s.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Body) != "persisted" || got.Status != http.StatusOK {
		t.Errorf("entry mangled: %+v", got)
	}
	if got.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("header lost: %v", got.Header)
	}

	old := entry("old", time.Second)
	old.Created = time.Now().Add(-time.Hour)
	s.Put("expired", old)
	if _, ok := s.Get("expired"); ok {
		t.Error("expired entry returned")
	}

	s.Put("p1", entry("x", time.Minute))
	s.Put("p2", entry("x", time.Minute))
	if n := s.PurgePrefix("p"); n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
}

func TestSQLite_ExpiryKeepsSubsecondPrecision(t *testing.T) {
	s, err := NewSQLite(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// An entry 900ms into a 1s TTL is still live; second-granularity expiry
	// would round it away.
	e := entry("x", time.Second)
	e.Created = time.Now().Add(-900 * time.Millisecond)
	s.Put("k", e)
	if _, ok := s.Get("k"); !ok {
		t.Error("entry inside its TTL reported absent")
	}

	var expires int64
	if err := s.db.QueryRow("SELECT expires FROM cache WHERE key = ?", "k").Scan(&expires); err != nil {
		t.Fatal(err)
	}
	if want := e.Created.Add(time.Second).UnixNano(); expires != want {
		t.Errorf("stored expiry = %d, want %d (unix nanos)", expires, want)
	}
}

func TestSQLite_PurgePrefixMatchesLiterally(t *testing.T) {
	s, err := NewSQLite(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// "_" and "%" are LIKE wildcards; a prefix containing them must not
	// match beyond the literal characters.
	s.Put("GET:h/a_b", entry("x", time.Minute))
	s.Put("GET:h/a_bc", entry("x", time.Minute))
	s.Put("GET:h/axb", entry("x", time.Minute))
	s.Put("GET:h/q?v=100%25", entry("x", time.Minute))

	if n := s.PurgePrefix("GET:h/a_"); n != 2 {
		t.Errorf("purged %d, want 2 (literal underscore only)", n)
	}
	if _, ok := s.Get("GET:h/axb"); !ok {
		t.Error("unrelated key purged by wildcard match")
	}
	if n := s.PurgePrefix("GET:h/q?v=100%"); n != 1 {
		t.Errorf("purged %d, want 1 (literal percent)", n)
	}
}
