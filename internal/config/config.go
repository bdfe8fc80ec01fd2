// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Run       RunConfig               `mapstructure:"run"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Rakuten   RakutenConfig           `mapstructure:"rakuten"`
	Headless  HeadlessConfig          `mapstructure:"headless"`
	Reconcile ReconcileConfig         `mapstructure:"reconcile"`
	DB        DBConfig                `mapstructure:"db"`
	Archive   ArchiveConfig           `mapstructure:"archive"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RunConfig governs scheduling, retries, and the abort threshold.
type RunConfig struct {
	GlobalConcurrency   int     `mapstructure:"global_concurrency"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	RetryBaseMs         int     `mapstructure:"retry_base_ms"`
	RetryMaxMs          int     `mapstructure:"retry_max_ms"`
	AbortThreshold      float64 `mapstructure:"abort_threshold"`
	AbortMinSample      int     `mapstructure:"abort_min_sample"`
	UserAgent           string  `mapstructure:"user_agent"`
}

// SourceConfig is the per-source rate budget and endpoint.
type SourceConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	URLTemplate       string `mapstructure:"url_template"`
	MinIntervalMs     int    `mapstructure:"min_interval_ms"`
	Burst             int    `mapstructure:"burst"`
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	BackoffCeilingSec int    `mapstructure:"backoff_ceiling_seconds"`
	RecoverySucc      int    `mapstructure:"recovery_successes"`
}

// RakutenConfig holds the Ichiba/Books API credentials.
type RakutenConfig struct {
	AppID       string `mapstructure:"app_id"`
	AffiliateID string `mapstructure:"affiliate_id"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	NavTimeoutSec  int  `mapstructure:"nav_timeout_seconds"`
}

// ReconcileConfig tunes cross-source conflict detection.
type ReconcileConfig struct {
	PriceTolerance    float64 `mapstructure:"price_tolerance"`
	ConflictWindowMin int     `mapstructure:"conflict_window_minutes"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	ProductTable  string `mapstructure:"product_table"`
	SnapshotTable string `mapstructure:"snapshot_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where raw documents go on parse failures.
type ArchiveConfig struct {
	// Backend is "local", "gcs", or "memory".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JANCOLLECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("run.global_concurrency", 8)
	v.SetDefault("run.fetch_timeout_seconds", 60)
	v.SetDefault("run.max_attempts", 4)
	v.SetDefault("run.retry_base_ms", 2000)
	v.SetDefault("run.retry_max_ms", 120000)
	v.SetDefault("run.abort_threshold", 0.5)
	v.SetDefault("run.abort_min_sample", 20)
	v.SetDefault("run.user_agent", "jancollect/0.1")
	v.SetDefault("sources.jancode.enabled", true)
	v.SetDefault("sources.jancode.url_template", "https://www.jancode.xyz/code/%s/")
	v.SetDefault("sources.jancode.min_interval_ms", 1000)
	v.SetDefault("sources.rakuten.enabled", true)
	v.SetDefault("sources.rakuten.min_interval_ms", 1000)
	v.SetDefault("sources.amazon.enabled", false)
	v.SetDefault("sources.amazon.url_template", "https://www.amazon.co.jp/s?k=%s")
	v.SetDefault("sources.amazon.min_interval_ms", 3000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("reconcile.price_tolerance", 0.05)
	v.SetDefault("reconcile.conflict_window_minutes", 15)
	v.SetDefault("db.product_table", "products")
	v.SetDefault("db.snapshot_table", "run_snapshots")
	v.SetDefault("archive.backend", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.GlobalConcurrency <= 0 {
		return fmt.Errorf("run.global_concurrency must be > 0")
	}
	if c.Run.MaxAttempts <= 0 {
		return fmt.Errorf("run.max_attempts must be > 0")
	}
	if c.Run.AbortThreshold <= 0 || c.Run.AbortThreshold > 1 {
		return fmt.Errorf("run.abort_threshold must be in (0, 1]")
	}
	enabled := 0
	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if name != "rakuten" && src.URLTemplate == "" {
			return fmt.Errorf("sources.%s.url_template is required", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	if c.Sources["rakuten"].Enabled && c.Rakuten.AppID == "" {
		return fmt.Errorf("rakuten.app_id is required when the rakuten source is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Reconcile.PriceTolerance < 0 {
		return fmt.Errorf("reconcile.price_tolerance must be >= 0")
	}
	switch c.Archive.Backend {
	case "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of memory, local, gcs")
	}
	return nil
}

// FetchTimeout converts the configured fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Run.FetchTimeoutSeconds) * time.Second
}

// ConflictWindow converts the configured window into a duration.
func (c Config) ConflictWindow() time.Duration {
	return time.Duration(c.Reconcile.ConflictWindowMin) * time.Minute
}
