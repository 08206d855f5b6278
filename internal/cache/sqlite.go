package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a persistent provider for deployments that want the cache to
// survive restarts. Eviction by size is not implemented here; the TTL plus
// stale window bounds retention via the sweep instead.
type SQLite struct {
	db *sql.DB
}

type sqliteEntry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Created  int64       `json:"created"`
	TTL      int64       `json:"ttl"`
	StaleFor int64       `json:"stale_for"`
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, entry BLOB)"); err != nil {
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	if _, err := db.Exec(
		"CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires)"); err != nil {
		return nil, fmt.Errorf("create cache index: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key string) (*Entry, bool) {
	var blob []byte
	var expires int64
	err := s.db.QueryRow("SELECT expires, entry FROM cache WHERE key = ?", key).Scan(&expires, &blob)
	if err != nil {
		return nil, false
	}
	if time.Now().UnixNano() >= expires {
		s.Purge(key)
		return nil, false
	}
	var se sqliteEntry
	if err := json.Unmarshal(blob, &se); err != nil {
		s.Purge(key)
		return nil, false
	}
	return &Entry{
		Status:   se.Status,
		Header:   se.Header,
		Body:     se.Body,
		Created:  time.Unix(0, se.Created),
		TTL:      time.Duration(se.TTL),
		StaleFor: time.Duration(se.StaleFor),
	}, true
}

func (s *SQLite) Put(key string, e *Entry) {
	blob, err := json.Marshal(sqliteEntry{
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		Created:  e.Created.UnixNano(),
		TTL:      int64(e.TTL),
		StaleFor: int64(e.StaleFor),
	})
	if err != nil {
		return
	}
	// Nanosecond precision: second truncation would let an entry expire up
	// to a second before its TTL elapses.
	expires := e.Created.Add(e.TTL + e.StaleFor).UnixNano()
	_, _ = s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, expires, entry) VALUES (?, ?, ?)",
		key, expires, blob)
}

func (s *SQLite) Purge(key string) {
	_, _ = s.db.Exec("DELETE FROM cache WHERE key = ?", key)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLite) PurgePrefix(prefix string) int {
	// Keys may contain LIKE metacharacters (query-escaped keys use %); match
	// the prefix literally.
	res, err := s.db.Exec(`DELETE FROM cache WHERE key LIKE ? || '%' ESCAPE '\'`,
		likeEscaper.Replace(prefix))
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (s *SQLite) Len() int {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Run deletes expired rows every interval until ctx is cancelled.
func (s *SQLite) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.db.Exec("DELETE FROM cache WHERE expires <= ?", time.Now().UnixNano())
		}
	}
}

func (s *SQLite) Close() error { return s.db.Close() }
