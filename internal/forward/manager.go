package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the pooled upstream transports. Connect, send and read are
// bounded here (dial timeout, expect-continue timeout, response header
// timeout); the engine adds the overall per-request deadline on top.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 to disable

	// TLS knobs for the default transports
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// Manager owns the keep-alive connection pools to upstreams: a threadsafe map
// of named RoundTrippers, pre-seeded with the http1 and auto transports.
type Manager struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultManager builds a manager with DefaultOptions.
func NewDefaultManager() *Manager { return NewManager(DefaultOptions()) }

func NewManager(opts Options) *Manager {
	m := &Manager{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	m.store[ProtoHTTP1] = m.newTransport(false)
	m.store[ProtoAuto] = m.newTransport(true)
	return m
}

// Get returns the named RoundTripper, falling back to http1 for unknown
// names.
func (m *Manager) Get(name string) http.RoundTripper {
	m.mu.RLock()
	rt, ok := m.store[name]
	m.mu.RUnlock()
	if ok && rt != nil {
		return rt
	}
	m.mu.RLock()
	fb := m.store[ProtoHTTP1]
	m.mu.RUnlock()
	return fb
}

// Register installs a custom transport (e.g. mTLS to a specific pool).
func (m *Manager) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	m.mu.Lock()
	m.store[name] = rt
	m.mu.Unlock()
}

// CloseIdle drops all pooled idle connections.
func (m *Manager) CloseIdle() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rt := range m.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (m *Manager) newTransport(allowH2 bool) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   m.opts.DialTimeout,
		KeepAlive: m.opts.DialKeepAlive,
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: m.opts.InsecureSkipVerify,
		RootCAs:            m.opts.RootCAs,
	}
	if !allowH2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     allowH2,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          m.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   m.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       m.opts.IdleConnTimeout,
		MaxConnsPerHost:       m.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   m.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: m.opts.ExpectContinueTimeout,
	}
	if m.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = m.opts.ResponseHeaderTimeout
	}
	return tr
}
