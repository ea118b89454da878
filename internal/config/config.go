package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Values come from an optional YAML
// file with environment variable overrides. Secrets (platform token, DSN)
// are env-only and never written to config files.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Platform PlatformConfig `yaml:"platform"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Media    MediaConfig    `yaml:"media"`
	Run      RunConfig      `yaml:"run"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	CheckpointDir string `yaml:"checkpoint_dir"`
}

type FeedConfig struct {
	// URL of the feed document: file://, gs://, s3:// or a bare local path.
	// A .gz suffix is decompressed transparently.
	URL string `yaml:"url"`
}

type PlatformConfig struct {
	ShopDomain  string        `yaml:"shop_domain"`
	APIVersion  string        `yaml:"api_version"`
	AccessToken string        `yaml:"-"` // PLATFORM_ACCESS_TOKEN only
	Timeout     time.Duration `yaml:"timeout"`
}

type ShadowConfig struct {
	PostgresDSN string `yaml:"-"` // SHADOW_DSN only
}

type LimiterConfig struct {
	// RequestsPerSecond is the steady-state ceiling published by the platform.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MinRatePerSecond  float64 `yaml:"min_rate_per_second"`
	Burst             int     `yaml:"burst"`
	// CoolOff is how long the limiter holds the reduced rate after a
	// platform throttle signal.
	CoolOff time.Duration `yaml:"cool_off"`
}

type MediaConfig struct {
	MaxBytes     int64         `yaml:"max_bytes"`
	MaxDimension int           `yaml:"max_dimension"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts"`
}

type RunConfig struct {
	AutoDelete         bool `yaml:"auto_delete"`
	OverwriteConflicts bool `yaml:"overwrite_conflicts"`
	Concurrency        int  `yaml:"concurrency"`
	BatchSize          int  `yaml:"batch_size"`
	DryRun             bool `yaml:"dry_run"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load reads the YAML file at path (if non-empty), applies defaults and env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Platform: PlatformConfig{
			APIVersion: "2024-10",
			Timeout:    30 * time.Second,
		},
		Limiter: LimiterConfig{
			RequestsPerSecond: 2,
			MinRatePerSecond:  0.25,
			Burst:             4,
			CoolOff:           10 * time.Second,
		},
		Media: MediaConfig{
			MaxBytes:     20 << 20,
			MaxDimension: 4096,
			JPEGQuality:  85,
			PollInterval: 2 * time.Second,
			PollAttempts: 15,
		},
		Run: RunConfig{
			Concurrency: 5,
			BatchSize:   50,
		},
		Retry: RetryConfig{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 4,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		CheckpointDir: "./checkpoints",
	}
}

func applyEnv(cfg *Config) {
	cfg.Feed.URL = getenvDefault("FEED_URL", cfg.Feed.URL)
	cfg.Platform.ShopDomain = getenvDefault("PLATFORM_SHOP_DOMAIN", cfg.Platform.ShopDomain)
	cfg.Platform.APIVersion = getenvDefault("PLATFORM_API_VERSION", cfg.Platform.APIVersion)
	cfg.Platform.AccessToken = os.Getenv("PLATFORM_ACCESS_TOKEN")
	cfg.Shadow.PostgresDSN = os.Getenv("SHADOW_DSN")
	cfg.CheckpointDir = getenvDefault("CHECKPOINT_DIR", cfg.CheckpointDir)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limiter.RequestsPerSecond = parsed
		}
	}
	if v := os.Getenv("SYNC_CONCURRENCY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Run.Concurrency = parsed
		}
	}
	if v := os.Getenv("SYNC_BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Run.BatchSize = parsed
		}
	}
	if v := os.Getenv("AUTO_DELETE"); v != "" {
		cfg.Run.AutoDelete = v == "true"
	}
	if v := os.Getenv("OVERWRITE_CONFLICTS"); v != "" {
		cfg.Run.OverwriteConflicts = v == "true"
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("config: feed.url (or FEED_URL) is required")
	}
	if c.Platform.ShopDomain == "" {
		return fmt.Errorf("config: platform.shop_domain (or PLATFORM_SHOP_DOMAIN) is required")
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("config: run.concurrency must be >= 1, got %d", c.Run.Concurrency)
	}
	if c.Run.BatchSize < 1 {
		return fmt.Errorf("config: run.batch_size must be >= 1, got %d", c.Run.BatchSize)
	}
	if c.Limiter.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: limiter.requests_per_second must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
