package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crawlcore/pkg/types"
)

// Config captures the full configuration required to initialise the crawl engine.
type Config struct {
	Worker      WorkerConfig      `yaml:"worker"`
	Crawl       CrawlConfig       `yaml:"crawl"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retry       RetryConfig       `yaml:"retry"`
	Redirect    RedirectConfig    `yaml:"redirect"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Robots      RobotsConfig      `yaml:"robots"`
	Resume      ResumeConfig      `yaml:"resume"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// WorkerConfig controls engine concurrency and frontier sizing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// CrawlConfig controls the crawl frontier, limits, and throttling.
type CrawlConfig struct {
	Seeds              []SeedConfig      `yaml:"seeds"`
	MaxDepth           int               `yaml:"max_depth"`
	MaxPages           int               `yaml:"max_pages"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	ProxyURL           string            `yaml:"proxy_url"`
	AllowedDomains     []string          `yaml:"allowed_domains"`
	ExcludedDomains    []string          `yaml:"excluded_domains"`
	PerOriginDelay     Duration          `yaml:"per_origin_delay"`
	DelayJitterMin     float64           `yaml:"delay_jitter_min"`
	DelayJitterMax     float64           `yaml:"delay_jitter_max"`
	RateLimitPerOrigin RateLimitConfig   `yaml:"rate_limit_per_origin"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
	Discovery          DiscoveryConfig   `yaml:"discovery"`
}

// SeedConfig declares an initial URL and optional priority for the crawl frontier.
type SeedConfig struct {
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
	Label    string `yaml:"label"`
}

// RateLimitConfig applies a token bucket per origin on top of delay throttling.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// DiscoveryConfig tunes link extraction and filtering.
type DiscoveryConfig struct {
	FollowExternal  bool     `yaml:"follow_external"`
	MaxLinksPerPage int      `yaml:"max_links_per_page"`
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	RespectNofollow bool     `yaml:"respect_nofollow"`
}

// ConcurrencyConfig bounds in-flight requests globally and per origin.
type ConcurrencyConfig struct {
	MaxGlobal    int `yaml:"max_global"`
	MaxPerOrigin int `yaml:"max_per_origin"`
}

// RetryConfig controls transient-failure retries.
type RetryConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	MaxTimes      int      `yaml:"max_times"`
	PriorityDecay int      `yaml:"priority_decay"`
	Statuses      []int    `yaml:"statuses"`
	ErrorKinds    []string `yaml:"error_kinds"`
}

// IsEnabled reports whether retries are active; unset means enabled.
func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RedirectConfig controls server-side redirect following.
type RedirectConfig struct {
	Enabled        *bool `yaml:"enabled"`
	MaxTimes       int   `yaml:"max_times"`
	PriorityAdjust int   `yaml:"priority_adjust"`
}

// IsEnabled reports whether redirects are followed; unset means enabled.
func (r RedirectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// FingerprintConfig tunes request canonicalisation for deduplication.
type FingerprintConfig struct {
	SortQuery      bool     `yaml:"sort_query"`
	IncludeHeaders []string `yaml:"include_headers"`
	ExcludeHeaders []string `yaml:"exclude_headers"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// ResumeConfig selects where pending frontier state is persisted between runs.
type ResumeConfig struct {
	Enabled bool        `yaml:"enabled"`
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig describes the Redis connection used by the resume store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig selects log verbosity, format, and optional file rotation.
type LoggingConfig struct {
	Level      string        `yaml:"level"`
	Structured bool          `yaml:"structured"`
	File       FileLogConfig `yaml:"file"`
}

// FileLogConfig enables size-based log rotation when Path is set.
type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Concurrency: 16,
			QueueSize:   4096,
		},
		Crawl: CrawlConfig{
			MaxDepth:       3,
			MaxPages:       1000,
			UserAgent:      "crawlcore-bot/1.0",
			Headers:        map[string]string{},
			PerOriginDelay: DurationFrom(250 * time.Millisecond),
			DelayJitterMin: 0.5,
			DelayJitterMax: 1.5,
			RequestTimeout: DurationFrom(30 * time.Second),
			MaxBodyBytes:   6 * 1024 * 1024,
			Discovery: DiscoveryConfig{
				FollowExternal:  false,
				MaxLinksPerPage: 200,
				RespectNofollow: true,
			},
		},
		Concurrency: ConcurrencyConfig{
			MaxGlobal:    16,
			MaxPerOrigin: 8,
		},
		Retry: RetryConfig{
			MaxTimes:      2,
			PriorityDecay: 1,
			Statuses:      []int{500, 502, 503, 504, 522, 524, 408, 429},
			ErrorKinds:    []string{"timeout", "dns", "conn_refused", "conn_reset", "data_loss"},
		},
		Redirect: RedirectConfig{
			MaxTimes: 10,
		},
		Fingerprint: FingerprintConfig{
			SortQuery: false,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "crawlcore-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Resume: ResumeConfig{
			Enabled: false,
			Backend: "file",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "crawlcore:pending",
			},
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	if err := decodeYAML(fh, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the engine configuration.
func (c Config) Validate() error {
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i := range c.Crawl.Seeds {
		if c.Crawl.Seeds[i].URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Concurrency.MaxGlobal <= 0 {
		return fmt.Errorf("concurrency.max_global must be > 0 (got %d)", c.Concurrency.MaxGlobal)
	}
	if c.Concurrency.MaxPerOrigin <= 0 {
		return fmt.Errorf("concurrency.max_per_origin must be > 0 (got %d)", c.Concurrency.MaxPerOrigin)
	}
	if c.Concurrency.MaxPerOrigin > c.Concurrency.MaxGlobal {
		return fmt.Errorf("concurrency.max_per_origin (%d) must not exceed concurrency.max_global (%d)",
			c.Concurrency.MaxPerOrigin, c.Concurrency.MaxGlobal)
	}
	if c.Crawl.DelayJitterMin < 0 || c.Crawl.DelayJitterMax < c.Crawl.DelayJitterMin {
		return fmt.Errorf("crawl delay jitter range [%v, %v] is invalid",
			c.Crawl.DelayJitterMin, c.Crawl.DelayJitterMax)
	}
	if rl := c.Crawl.RateLimitPerOrigin; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_origin.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Retry.MaxTimes < 0 {
		return fmt.Errorf("retry.max_times must be >= 0 (got %d)", c.Retry.MaxTimes)
	}
	if c.Retry.PriorityDecay < 1 {
		return fmt.Errorf("retry.priority_decay must be >= 1 (got %d)", c.Retry.PriorityDecay)
	}
	for _, kind := range c.Retry.ErrorKinds {
		if !validErrorKind(kind) {
			return fmt.Errorf("retry.error_kinds contains unknown kind %q", kind)
		}
	}
	if c.Redirect.MaxTimes < 0 {
		return fmt.Errorf("redirect.max_times must be >= 0 (got %d)", c.Redirect.MaxTimes)
	}
	if len(c.Fingerprint.IncludeHeaders) > 0 && len(c.Fingerprint.ExcludeHeaders) > 0 {
		return errors.New("fingerprint.include_headers and fingerprint.exclude_headers are mutually exclusive")
	}
	if strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Resume.Enabled {
		switch c.Resume.Backend {
		case "file":
			if strings.TrimSpace(c.Resume.Dir) == "" {
				return errors.New("resume.dir must be set when resume.backend is file")
			}
		case "redis":
			if strings.TrimSpace(c.Resume.Redis.Addr) == "" {
				return errors.New("resume.redis.addr must be set when resume.backend is redis")
			}
		default:
			return fmt.Errorf("resume.backend must be file or redis (got %q)", c.Resume.Backend)
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		return errors.New("metrics.listen_addr must be set when metrics.enabled is true")
	}
	return nil
}

// validErrorKind delegates to the taxonomy itself so accepted config values
// cannot drift from the kinds the retry policy understands.
func validErrorKind(kind string) bool {
	_, ok := types.ParseErrorKind(kind)
	return ok
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
		c.Crawl.Seeds[i].Label = strings.TrimSpace(c.Crawl.Seeds[i].Label)
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Resume.Backend = strings.ToLower(strings.TrimSpace(c.Resume.Backend))
	c.Resume.Dir = strings.TrimSpace(c.Resume.Dir)

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Crawl.AllowedDomains) > 0 {
		c.Crawl.AllowedDomains = dedupeLower(c.Crawl.AllowedDomains)
	}
	if len(c.Crawl.ExcludedDomains) > 0 {
		c.Crawl.ExcludedDomains = dedupeLower(c.Crawl.ExcludedDomains)
	}
	if len(c.Fingerprint.IncludeHeaders) > 0 {
		c.Fingerprint.IncludeHeaders = dedupeLower(c.Fingerprint.IncludeHeaders)
	}
	if len(c.Fingerprint.ExcludeHeaders) > 0 {
		c.Fingerprint.ExcludeHeaders = dedupeLower(c.Fingerprint.ExcludeHeaders)
	}
	if len(c.Retry.ErrorKinds) > 0 {
		c.Retry.ErrorKinds = dedupeLower(c.Retry.ErrorKinds)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-origin rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
