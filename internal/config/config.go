package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steerproxy/steer/internal/cache"
	"github.com/steerproxy/steer/internal/lb"
	"github.com/steerproxy/steer/internal/ratelimit"
	"github.com/steerproxy/steer/internal/upstream"
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Admin struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	Pools []struct {
		Name          string `yaml:"name"`
		Policy        string `yaml:"policy"`
		MaxFails      int    `yaml:"max_fails"`
		FailTimeout   string `yaml:"fail_timeout"`
		ProbeInterval string `yaml:"probe_interval"`
		ProbePath     string `yaml:"probe_path"`
		Servers       []struct {
			URL    string `yaml:"url"`
			Weight int    `yaml:"weight"`
			Backup bool   `yaml:"backup"`
		} `yaml:"servers"`
	} `yaml:"pools"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string `yaml:"host"`
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		Pool    string `yaml:"pool"`
		Options struct {
			PreserveHost bool   `yaml:"preserve_host"`
			HostRewrite  string `yaml:"host_rewrite"`
			RateZone     string `yaml:"rate_zone"`
			Proto        string `yaml:"proto"`
		} `yaml:"options"`
	} `yaml:"routes"`
	Cache struct {
		Backend       string `yaml:"backend"`
		Path          string `yaml:"path"`
		MaxEntries    int    `yaml:"max_entries"`
		MaxBytes      int64  `yaml:"max_bytes"`
		SweepInterval string `yaml:"sweep_interval"`
		MaxRefreshes  int    `yaml:"max_refreshes"`
		Rules         []struct {
			PathPrefix    string            `yaml:"path_prefix"`
			DefaultTTL    string            `yaml:"default_ttl"`
			NotFoundTTL   string            `yaml:"not_found_ttl"`
			TTLByStatus   map[int]string    `yaml:"ttl_by_status"`
			BypassHeader  string            `yaml:"bypass_header"`
			BypassCookie  string            `yaml:"bypass_cookie"`
			Vary          []string          `yaml:"vary"`
			MaxEntryBytes int64             `yaml:"max_entry_bytes"`
			StaleFor      string            `yaml:"stale_for"`
		} `yaml:"rules"`
	} `yaml:"cache"`
	RateZones []struct {
		Name  string  `yaml:"name"`
		Key   string  `yaml:"key"`
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_zones"`
	Proxy struct {
		MaxAttempts         int    `yaml:"max_attempts"`
		RetryStatuses       []int  `yaml:"retry_statuses"`
		BadStatuses         []int  `yaml:"bad_statuses"`
		AttemptTimeout      string `yaml:"attempt_timeout"`
		UpstreamTimeout     string `yaml:"upstream_timeout"`
		SuppressDiagnostics bool   `yaml:"suppress_diagnostics"`
	} `yaml:"proxy"`
	Timeouts struct {
		Read  string `yaml:"read"`
		Write string `yaml:"write"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Enabled  bool     `yaml:"enabled"`
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"access_log"`
}

// Load reads, parses and validates the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a raw YAML document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := ":8080"
	if len(rc.EntryPoint) > 0 && strings.TrimSpace(rc.EntryPoint[0].Address) != "" {
		listen = strings.TrimSpace(rc.EntryPoint[0].Address)
	}

	// pools
	pools := make(map[string]*upstream.Pool)
	for i, p := range rc.Pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("pools[%d]: name is required", i)
		}
		if _, dup := pools[name]; dup {
			return nil, fmt.Errorf("pools: duplicate name %q", name)
		}
		policy := strings.ToLower(strings.TrimSpace(p.Policy))
		switch policy {
		case "", lb.PolicyRoundRobin, lb.PolicyWeighted, lb.PolicyLeastConn, lb.PolicyIPHash:
		default:
			return nil, fmt.Errorf("pools[%d]: unknown policy %q", i, policy)
		}
		if len(p.Servers) == 0 {
			return nil, fmt.Errorf("pools[%d]: servers is empty", i)
		}
		var servers []*upstream.Server
		for j, s := range p.Servers {
			u, err := url.Parse(strings.TrimSpace(s.URL))
			if err != nil {
				return nil, fmt.Errorf("pools[%d].servers[%d]: parse: %v", i, j, err)
			}
			if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("pools[%d].servers[%d]: must be http(s) URL with host", i, j)
			}
			role := upstream.RolePrimary
			if s.Backup {
				role = upstream.RoleBackup
			}
			servers = append(servers, upstream.NewServer(u, s.Weight, role))
		}
		health := upstream.DefaultHealthParams()
		if p.MaxFails > 0 {
			health.MaxFails = p.MaxFails
		}
		if d, err := optDuration(p.FailTimeout, fmt.Sprintf("pools[%d].fail_timeout", i)); err != nil {
			return nil, err
		} else if d > 0 {
			health.FailTimeout = d
		}
		if d, err := optDuration(p.ProbeInterval, fmt.Sprintf("pools[%d].probe_interval", i)); err != nil {
			return nil, err
		} else {
			health.ProbeInterval = d
		}
		if pp := strings.TrimSpace(p.ProbePath); pp != "" {
			if !strings.HasPrefix(pp, "/") {
				return nil, fmt.Errorf("pools[%d]: probe_path must start with '/'", i)
			}
			health.ProbePath = pp
		}
		pool, err := upstream.NewPool(name, policy, health, servers)
		if err != nil {
			return nil, fmt.Errorf("pools[%d]: %v", i, err)
		}
		pools[name] = pool
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("pools: at least one is required")
	}

	// rate zones
	zones := make(map[string]ratelimit.Zone)
	for i, z := range rc.RateZones {
		name := strings.TrimSpace(z.Name)
		if name == "" {
			return nil, fmt.Errorf("rate_zones[%d]: name is required", i)
		}
		key := strings.TrimSpace(z.Key)
		if key == "" {
			key = "ip"
		}
		if key != "ip" && !strings.HasPrefix(key, "header:") {
			return nil, fmt.Errorf("rate_zones[%d]: key must be \"ip\" or \"header:<Name>\"", i)
		}
		if z.Rate <= 0 {
			return nil, fmt.Errorf("rate_zones[%d]: rate must be positive", i)
		}
		burst := z.Burst
		if burst <= 0 {
			burst = 1
		}
		zones[name] = ratelimit.Zone{Name: name, KeySource: key, Rate: z.Rate, Burst: burst}
	}

	// routes
	var routes []Route
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}
		poolName := strings.TrimSpace(r.Pool)
		if poolName == "" {
			return nil, fmt.Errorf("routes[%d]: pool is required", i)
		}
		if _, ok := pools[poolName]; !ok {
			return nil, fmt.Errorf("routes[%d]: pool=%q not found in pools", i, poolName)
		}
		zone := strings.TrimSpace(r.Options.RateZone)
		if zone != "" {
			if _, ok := zones[zone]; !ok {
				return nil, fmt.Errorf("routes[%d]: rate_zone=%q not found in rate_zones", i, zone)
			}
		}
		proto := strings.ToLower(strings.TrimSpace(r.Options.Proto))
		switch proto {
		case "":
			proto = "http1"
		case "http1", "auto":
		default:
			return nil, fmt.Errorf("routes[%d]: unknown proto %q", i, proto)
		}
		routes = append(routes, Route{
			Name:         name,
			Host:         strings.ToLower(strings.TrimSpace(r.Match.Host)),
			PathPrefix:   pfx,
			Pool:         poolName,
			PreserveHost: r.Options.PreserveHost,
			HostRewrite:  strings.TrimSpace(r.Options.HostRewrite),
			RateZone:     zone,
			Proto:        proto,
		})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	// deterministic order: host asc ("" last), then longer prefix first
	sort.SliceStable(routes, func(i, j int) bool {
		hi := routes[i].Host
		hj := routes[j].Host
		if hi == "" {
			hi = "~"
		}
		if hj == "" {
			hj = "~"
		}
		if hi == hj {
			return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
		}
		return hi < hj
	})

	// cache
	cc := CacheConfig{
		Backend:      strings.ToLower(strings.TrimSpace(rc.Cache.Backend)),
		Path:         strings.TrimSpace(rc.Cache.Path),
		MaxEntries:   rc.Cache.MaxEntries,
		MaxBytes:     rc.Cache.MaxBytes,
		MaxRefreshes: rc.Cache.MaxRefreshes,
	}
	switch cc.Backend {
	case "":
		cc.Backend = "memory"
	case "memory", "off":
	case "sqlite":
		if cc.Path == "" {
			return nil, fmt.Errorf("cache: sqlite backend requires path")
		}
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cc.Backend)
	}
	if d, err := optDuration(rc.Cache.SweepInterval, "cache.sweep_interval"); err != nil {
		return nil, err
	} else {
		cc.SweepInterval = d
	}
	if cc.MaxRefreshes <= 0 {
		cc.MaxRefreshes = 16
	}
	for i, rr := range rc.Cache.Rules {
		if !strings.HasPrefix(rr.PathPrefix, "/") {
			return nil, fmt.Errorf("cache.rules[%d]: path_prefix must start with '/'", i)
		}
		rule := cache.Rule{
			PathPrefix:    rr.PathPrefix,
			BypassHeader:  strings.TrimSpace(rr.BypassHeader),
			BypassCookie:  strings.TrimSpace(rr.BypassCookie),
			VaryHeaders:   rr.Vary,
			MaxEntryBytes: rr.MaxEntryBytes,
		}
		var err error
		if rule.DefaultTTL, err = optDuration(rr.DefaultTTL, fmt.Sprintf("cache.rules[%d].default_ttl", i)); err != nil {
			return nil, err
		}
		if rule.NotFoundTTL, err = optDuration(rr.NotFoundTTL, fmt.Sprintf("cache.rules[%d].not_found_ttl", i)); err != nil {
			return nil, err
		}
		if rule.StaleFor, err = optDuration(rr.StaleFor, fmt.Sprintf("cache.rules[%d].stale_for", i)); err != nil {
			return nil, err
		}
		if len(rr.TTLByStatus) > 0 {
			rule.TTLByStatus = make(map[int]time.Duration, len(rr.TTLByStatus))
			for code, raw := range rr.TTLByStatus {
				d, err := optDuration(raw, fmt.Sprintf("cache.rules[%d].ttl_by_status[%d]", i, code))
				if err != nil {
					return nil, err
				}
				rule.TTLByStatus[code] = d
			}
		}
		cc.Rules = append(cc.Rules, rule)
	}
	// longest prefix first so Rules.Match picks the most specific directive
	sort.SliceStable(cc.Rules, func(i, j int) bool {
		return len(cc.Rules[i].PathPrefix) > len(cc.Rules[j].PathPrefix)
	})

	// proxy
	pc := ProxyConfig{
		MaxAttempts:         rc.Proxy.MaxAttempts,
		RetryStatuses:       rc.Proxy.RetryStatuses,
		BadStatuses:         rc.Proxy.BadStatuses,
		SuppressDiagnostics: rc.Proxy.SuppressDiagnostics,
	}
	if pc.MaxAttempts <= 0 {
		pc.MaxAttempts = 3
	}
	if d, err := optDuration(rc.Proxy.AttemptTimeout, "proxy.attempt_timeout"); err != nil {
		return nil, err
	} else if d > 0 {
		pc.AttemptTimeout = d
	} else {
		pc.AttemptTimeout = 10 * time.Second
	}
	if d, err := optDuration(rc.Proxy.UpstreamTimeout, "proxy.upstream_timeout"); err != nil {
		return nil, err
	} else if d > 0 {
		pc.UpstreamTimeout = d
	} else {
		pc.UpstreamTimeout = 30 * time.Second
	}

	// timeouts
	var timeouts Timeouts
	var err error
	if timeouts.Read, err = optDuration(rc.Timeouts.Read, "timeouts.read"); err != nil {
		return nil, err
	}
	if timeouts.Write, err = optDuration(rc.Timeouts.Write, "timeouts.write"); err != nil {
		return nil, err
	}

	al := AccessLogConfig{Enabled: rc.AccessLog.Enabled, Sampling: 1.0}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be within [0,1]")
		}
		al.Sampling = s
	}

	return &Config{
		Listen:      listen,
		AdminListen: strings.TrimSpace(rc.Admin.Address),
		Pools:       pools,
		Routes:      routes,
		Cache:       cc,
		Zones:       zones,
		Proxy:       pc,
		Timeouts:    timeouts,
		AccessLog:   al,
	}, nil
}

func optDuration(raw, field string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
