package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/proxy-harvester/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	Checker    CheckerConfig    `json:"checker" yaml:"checker"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

type AggregatorConfig struct {
	IntervalSeconds  int                         `json:"interval_seconds" yaml:"interval_seconds"`
	MaxProxies       int                         `json:"max_proxies" yaml:"max_proxies"`
	FetchTimeoutMs   int                         `json:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	FetchConcurrency int                         `json:"fetch_concurrency" yaml:"fetch_concurrency"`
	UserAgent        string                      `json:"user_agent" yaml:"user_agent"`
	Sources          map[types.Category][]Source `json:"sources" yaml:"sources"`
}

type Source struct {
	URL     string `json:"url" yaml:"url"`
	Format  string `json:"format" yaml:"format"` // "text" or "html"
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type CheckerConfig struct {
	ValidationSites     []string         `json:"validation_sites" yaml:"validation_sites"`
	ProbeTimeoutMs      int              `json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	LatencyCutoffMs     int              `json:"latency_cutoff_ms" yaml:"latency_cutoff_ms"`
	MaxConcurrentProbes int              `json:"max_concurrent_probes" yaml:"max_concurrent_probes"`
	Seed                int64            `json:"seed" yaml:"seed"` // 0 = time based
	FastFilter          FastFilterConfig `json:"fast_filter" yaml:"fast_filter"`
}

// FastFilterConfig controls the TCP-only pre-filter run before full probes
type FastFilterConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	MinCandidates int  `json:"min_candidates" yaml:"min_candidates"`
	TimeoutMs     int  `json:"timeout_ms" yaml:"timeout_ms"`
	Concurrency   int  `json:"concurrency" yaml:"concurrency"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string                    `json:"type" yaml:"type"` // "file", "sqlite", "redis"
	Path                   string                    `json:"path" yaml:"path"`
	ListDir                string                    `json:"list_dir" yaml:"list_dir"`
	ListFiles              map[types.Category]string `json:"list_files" yaml:"list_files"`
	PersistIntervalSeconds int                       `json:"persist_interval_seconds" yaml:"persist_interval_seconds"`
	MaxRestoreAgeSeconds   int                       `json:"max_restore_age_seconds" yaml:"max_restore_age_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// defaultStoragePaths is where each backend lives when storage.path is unset.
// For redis the path is the server address.
var defaultStoragePaths = map[string]string{
	"file":   "data/snapshots",
	"sqlite": "data/harvester.db",
	"redis":  "localhost:6379",
}

var defaultSources = map[types.Category][]string{
	types.SOCKS5: {
		"https://api.proxyscrape.com/v2/?request=getproxies&protocol=socks5",
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
		"https://raw.githubusercontent.com/hookzof/socks5_list/master/proxy.txt",
	},
	types.HTTPS: {
		"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http",
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
	},
	types.SOCKS4: {
		"https://api.proxyscrape.com/v2/?request=getproxies&protocol=socks4",
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks4.txt",
		"https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/socks4.txt",
	},
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Aggregator.Sources = make(map[types.Category][]Source, len(defaultSources))
	for cat, urls := range defaultSources {
		for _, u := range urls {
			cfg.Aggregator.Sources[cat] = append(cfg.Aggregator.Sources[cat], Source{URL: u, Format: "text", Enabled: true})
		}
	}
	cfg.Checker.ValidationSites = []string{
		"https://www.google.com",
		"https://www.facebook.com",
		"https://www.amazon.com",
	}
	cfg.API.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a JSON or YAML file (chosen by extension).
// An empty path yields Default().
func Load(filePath string) (*Config, error) {
	if filePath == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Aggregator.IntervalSeconds == 0 {
		c.Aggregator.IntervalSeconds = 300
	}
	if c.Aggregator.MaxProxies == 0 {
		c.Aggregator.MaxProxies = 5000
	}
	if c.Aggregator.FetchTimeoutMs == 0 {
		c.Aggregator.FetchTimeoutMs = 10000
	}
	if c.Aggregator.FetchConcurrency == 0 {
		c.Aggregator.FetchConcurrency = 8
	}
	if c.Aggregator.UserAgent == "" {
		c.Aggregator.UserAgent = "proxy-harvester/1.0"
	}
	for cat, sources := range c.Aggregator.Sources {
		for i := range sources {
			if sources[i].Format == "" {
				sources[i].Format = "text"
			}
		}
		c.Aggregator.Sources[cat] = sources
	}
	if c.Checker.ProbeTimeoutMs == 0 {
		c.Checker.ProbeTimeoutMs = 5000
	}
	if c.Checker.LatencyCutoffMs == 0 {
		c.Checker.LatencyCutoffMs = 3000
	}
	if c.Checker.MaxConcurrentProbes == 0 {
		c.Checker.MaxConcurrentProbes = 100
	}
	if c.Checker.FastFilter.MinCandidates == 0 {
		c.Checker.FastFilter.MinCandidates = 1000
	}
	if c.Checker.FastFilter.TimeoutMs == 0 {
		c.Checker.FastFilter.TimeoutMs = 2000
	}
	if c.Checker.FastFilter.Concurrency == 0 {
		c.Checker.FastFilter.Concurrency = 500
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.APIKeyEnv == "" {
		c.API.APIKeyEnv = "HARVESTER_API_KEY"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePaths[c.Storage.Type]
	}
	if c.Storage.ListDir == "" {
		c.Storage.ListDir = "."
	}
	if c.Storage.ListFiles == nil {
		c.Storage.ListFiles = make(map[types.Category]string, len(types.Categories))
	}
	for _, cat := range types.Categories {
		if c.Storage.ListFiles[cat] == "" {
			c.Storage.ListFiles[cat] = "phoenix_" + cat.Slug() + ".txt"
		}
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Storage.MaxRestoreAgeSeconds == 0 {
		c.Storage.MaxRestoreAgeSeconds = 3600
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "harvester"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Aggregator.IntervalSeconds < 1 {
		return fmt.Errorf("interval_seconds must be positive")
	}
	if c.Aggregator.MaxProxies < 0 {
		return fmt.Errorf("max_proxies must not be negative")
	}
	if c.Aggregator.FetchTimeoutMs < 1 {
		return fmt.Errorf("fetch_timeout_ms must be positive")
	}
	for cat := range c.Aggregator.Sources {
		if !cat.Known() {
			return fmt.Errorf("sources: %w: %q", types.ErrUnknownCategory, cat)
		}
	}
	for cat := range c.Storage.ListFiles {
		if !cat.Known() {
			return fmt.Errorf("list_files: %w: %q", types.ErrUnknownCategory, cat)
		}
	}
	if len(c.Checker.ValidationSites) < 2 {
		return fmt.Errorf("validation_sites needs at least 2 entries, got %d", len(c.Checker.ValidationSites))
	}
	if c.Checker.MaxConcurrentProbes < 1 || c.Checker.MaxConcurrentProbes > 10000 {
		return fmt.Errorf("max_concurrent_probes must be between 1 and 10000")
	}
	if c.Checker.ProbeTimeoutMs < 100 || c.Checker.ProbeTimeoutMs > 300000 {
		return fmt.Errorf("probe_timeout_ms must be between 100 and 300000")
	}
	if c.Checker.LatencyCutoffMs < 1 || c.Checker.LatencyCutoffMs >= c.Checker.ProbeTimeoutMs {
		return fmt.Errorf("latency_cutoff_ms must be positive and below probe_timeout_ms")
	}
	if c.Checker.FastFilter.TimeoutMs < 1 {
		return fmt.Errorf("fast_filter.timeout_ms must be positive")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}
	return nil
}

// RequireSecrets checks credentials that must be present in the environment
// before any background work starts.
func (c *Config) RequireSecrets() error {
	if c.API.Enabled && c.API.EnableAPIKeyAuth && os.Getenv(c.API.APIKeyEnv) == "" {
		return fmt.Errorf("api key auth enabled but %s is not set", c.API.APIKeyEnv)
	}
	return nil
}
