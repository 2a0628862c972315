// Package config loads the daemon configuration with layered precedence:
// built-in defaults, then an optional YAML file, then MAMBO_-prefixed
// environment variables. Durations accept the extended day/week syntax
// ("36h", "2d", "1w") anywhere a time.Duration is expected.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// PathEnvVar overrides where the YAML config file is looked up.
const PathEnvVar = "MAMBO_CONFIG"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"mambo.yaml",
	"/etc/mambo/mambo.yaml",
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type CacheConfig struct {
	Path          string        `koanf:"path"`
	TTL           time.Duration `koanf:"ttl"`
	FallbackTTL   time.Duration `koanf:"fallback_ttl"`
	FlushDebounce time.Duration `koanf:"flush_debounce"`
}

type SheetsConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Token     string        `koanf:"token"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Timeout   time.Duration `koanf:"timeout"`
}

type RelstoreConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

type BreakerConfig struct {
	MaxFailures int           `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

type JobsConfig struct {
	WarmupInterval  time.Duration `koanf:"warmup_interval"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	SyncHourUTC     int           `koanf:"sync_hour_utc"`
	RequestTTL      time.Duration `koanf:"request_ttl"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Config is the full daemon configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Cache    CacheConfig    `koanf:"cache"`
	Sheets   SheetsConfig   `koanf:"sheets"`
	Relstore RelstoreConfig `koanf:"relstore"`
	Redis    RedisConfig    `koanf:"redis"`
	Retry    RetryConfig    `koanf:"retry"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Jobs     JobsConfig     `koanf:"jobs"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Cache: CacheConfig{
			Path:          "/data/mambo/cache.snapshot",
			TTL:           24 * time.Hour,
			FallbackTTL:   time.Hour,
			FlushDebounce: 2 * time.Second,
		},
		Sheets: SheetsConfig{
			RateLimit: 1,
			Burst:     2,
			Timeout:   5 * time.Second,
		},
		Relstore: RelstoreConfig{
			Path: "/data/mambo/fallback.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6379",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			OpenTimeout: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			WarmupInterval:  6 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			SyncHourUTC:     3,
			RequestTTL:      time.Hour,
		},
		Metrics: MetricsConfig{
			Addr: "", // empty disables the /metrics listener
		},
	}
}

// durationPaths are re-parsed through str2duration after the env layer so
// operators can write "2d" where Go's native parser only accepts hours.
var durationPaths = []string{
	"cache.ttl",
	"cache.fallback_ttl",
	"cache.flush_debounce",
	"sheets.timeout",
	"retry.base_delay",
	"retry.max_delay",
	"breaker.open_timeout",
	"jobs.warmup_interval",
	"jobs.cleanup_interval",
	"jobs.request_ttl",
}

// Load reads configuration from defaults, the config file (if any) and the
// environment, in that order of precedence, and validates the result.
func Load() (*Config, error) {
	return load(findFile())
}

// LoadFile is Load with an explicit file path, for tests and the -config flag.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "config: defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "config: file %s", path)
		}
	}

	if err := k.Load(env.Provider("MAMBO_", ".", envTransform), nil); err != nil {
		return nil, errors.Wrap(err, "config: environment")
	}

	if err := normalizeDurations(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps MAMBO_SECTION_KEY to section.key. Keys whose names
// themselves contain underscores need explicit entries.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "MAMBO_"))
	explicit := map[string]string{
		"cache_fallback_ttl":    "cache.fallback_ttl",
		"cache_flush_debounce":  "cache.flush_debounce",
		"sheets_base_url":       "sheets.base_url",
		"sheets_rate_limit":     "sheets.rate_limit",
		"retry_max_attempts":    "retry.max_attempts",
		"retry_base_delay":      "retry.base_delay",
		"retry_max_delay":       "retry.max_delay",
		"breaker_max_failures":  "breaker.max_failures",
		"breaker_open_timeout":  "breaker.open_timeout",
		"jobs_warmup_interval":  "jobs.warmup_interval",
		"jobs_cleanup_interval": "jobs.cleanup_interval",
		"jobs_sync_hour_utc":    "jobs.sync_hour_utc",
		"jobs_request_ttl":      "jobs.request_ttl",
	}
	if mapped, ok := explicit[key]; ok {
		return mapped
	}
	return strings.Replace(key, "_", ".", 1)
}

// normalizeDurations converts string duration values (from YAML or env) into
// time.Duration via str2duration, which also accepts "1d" and "1w".
func normalizeDurations(k *koanf.Koanf) error {
	for _, path := range durationPaths {
		val := k.Get(path)
		s, ok := val.(string)
		if !ok || s == "" {
			continue
		}
		d, err := str2duration.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "config: %s", path)
		}
		if err := k.Set(path, d); err != nil {
			return errors.Wrapf(err, "config: %s", path)
		}
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Sheets.BaseURL == "" {
		return errors.New("config: sheets.base_url is required")
	}
	if c.Sheets.Token == "" {
		return errors.New("config: sheets.token is required")
	}
	if c.Cache.Path == "" {
		return errors.New("config: cache.path is required")
	}
	if c.Relstore.Path == "" {
		return errors.New("config: relstore.path is required")
	}
	if c.Cache.TTL <= 0 || c.Cache.FallbackTTL <= 0 {
		return errors.New("config: cache TTLs must be positive")
	}
	if c.Cache.FallbackTTL > c.Cache.TTL {
		return errors.New("config: cache.fallback_ttl must not exceed cache.ttl")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be at least 1")
	}
	if c.Breaker.MaxFailures < 1 {
		return errors.New("config: breaker.max_failures must be at least 1")
	}
	if c.Jobs.SyncHourUTC < 0 || c.Jobs.SyncHourUTC > 23 {
		return errors.New("config: jobs.sync_hour_utc must be 0-23")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required when redis is enabled")
	}
	return nil
}
