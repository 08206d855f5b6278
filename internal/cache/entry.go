package cache

import (
	"net/http"
	"time"
)

// Entry is one stored response. Entries are immutable once stored; providers
// hand out the same pointer to many readers, so callers must not mutate the
// header or body in place.
type Entry struct {
	Status  int
	Header  http.Header
	Body    []byte
	Created time.Time
	TTL     time.Duration
	// StaleFor extends retention past the TTL so an expired entry can still
	// be served while a background refresh runs.
	StaleFor time.Duration
}

// Expired reports whether the entry is past its TTL and stale window and must
// be treated as absent.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.Created.Add(e.TTL + e.StaleFor))
}

// Fresh reports whether the entry is still within its TTL.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.Created.Add(e.TTL))
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Created)
}

// Size approximates the memory footprint used for byte-bounded eviction.
func (e *Entry) Size() int64 {
	n := int64(len(e.Body))
	for k, vv := range e.Header {
		n += int64(len(k))
		for _, v := range vv {
			n += int64(len(v))
		}
	}
	return n
}

// Provider stores and retrieves entries. Implementations must be safe for
// concurrent use and must never let a Get for one key block on a Put for a
// different key. Entries past their TTL plus the provider's stale grace
// period are treated as absent.
type Provider interface {
	Get(key string) (*Entry, bool)
	Put(key string, e *Entry)
	Purge(key string)
	// PurgePrefix removes every entry whose key starts with prefix; used by
	// the admin purge operation.
	PurgePrefix(prefix string) int
	Len() int
}
