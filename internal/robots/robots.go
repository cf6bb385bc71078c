package robots

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"crawlcore/internal/config"
	"crawlcore/pkg/types"
)

// Agent evaluates robots.txt rules with per-origin caching and host overrides.
// Fetch failures fail open: a host whose robots.txt cannot be retrieved or
// parsed is treated as fully allowed until the cache entry expires.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData // nil records a failed fetch
}

// NewAgent constructs a robots agent from configuration. The client is shared
// with the downloader so robots fetches reuse its transport settings.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether the request's URL is permitted for crawling.
func (a *Agent) Allowed(ctx context.Context, req *types.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if !a.respect {
		return true
	}
	if _, ok := a.overrides[strings.ToLower(req.URL.Hostname())]; ok {
		return true
	}

	rules := a.rules(ctx, req)
	if rules == nil {
		return true
	}

	group := rules.FindGroup(a.userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	return group.Test(path)
}

// rules returns cached rules for the request's origin, fetching on miss or
// expiry. A nil result means no usable rules exist (missing, erroring, or
// unparseable robots.txt).
func (a *Agent) rules(ctx context.Context, req *types.Request) *robotstxt.RobotsData {
	origin := types.Origin(req.URL)

	a.mu.RLock()
	entry, ok := a.cache[origin]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.rules
	}

	rules, err := a.fetch(ctx, req.URL.Scheme, req.URL.Host)
	if err != nil {
		rules = nil
	}

	a.mu.Lock()
	a.cache[origin] = cacheEntry{fetched: time.Now(), rules: rules}
	a.mu.Unlock()

	return rules
}

func (a *Agent) fetch(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	robotsURL := scheme + "://" + host + "/robots.txt"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		httpReq.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

// Purge evicts cached robots rules for an origin.
func (a *Agent) Purge(origin string) {
	a.mu.Lock()
	delete(a.cache, origin)
	a.mu.Unlock()
}
