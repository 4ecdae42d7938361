// Package config defines the top-level configuration for the vault and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cdandre2010/ohlcvault/internal/anomaly"
	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/reconcile"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OHLCVAULT_* environment variables.
type Config struct {
	Mode      string           `toml:"mode"`
	LogLevel  string           `toml:"log_level"`
	Backend   string           `toml:"backend"`
	Postgres  PostgresConfig   `toml:"postgres"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Gateway   GatewayConfig    `toml:"gateway"`
	Snapshot  SnapshotConfig   `toml:"snapshot"`
	Retention RetentionConfig  `toml:"retention"`
	Scan      ScanConfig       `toml:"scan"`
	Anomaly   anomaly.Config   `toml:"anomaly"`
	Reconcile reconcile.Config `toml:"reconcile"`
	Server    ServerConfig     `toml:"server"`
	Notify    NotifyConfig     `toml:"notify"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, locks, the
// event bus and rate limiting run in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters used for snapshot
// archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GatewayConfig bounds retries of transient backend failures.
type GatewayConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	RetryMaxDelay  duration `toml:"retry_max_delay"`
}

// SnapshotConfig tunes the version store.
type SnapshotConfig struct {
	LockTTL           duration `toml:"lock_ttl"`
	EnrichConcurrency int      `toml:"enrich_concurrency"`
	LineageDepth      int      `toml:"lineage_depth"`
}

// RetentionConfig is the default policy and its schedule.
type RetentionConfig struct {
	Enabled             bool     `toml:"enabled"`
	Cron                string   `toml:"cron"`
	DryRun              bool     `toml:"dry_run"`
	RunAtStart          bool     `toml:"run_at_start"`
	MaxAgeDays          int      `toml:"max_age_days"`
	ExemptPurposes      []string `toml:"exempt_purposes"`
	ExemptTags          []string `toml:"exempt_tags"`
	ArchiveBeforeDelete bool     `toml:"archive_before_delete"`
}

// Policy returns the configured retention policy.
func (r RetentionConfig) Policy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		MaxAgeDays:     r.MaxAgeDays,
		ExemptPurposes: append([]string(nil), r.ExemptPurposes...),
		ExemptTags:     append([]string(nil), r.ExemptTags...),
	}
}

// ScanConfig schedules anomaly scans over a watchlist of series written as
// "INSTRUMENT:TIMEFRAME".
type ScanConfig struct {
	Enabled  bool     `toml:"enabled"`
	Cron     string   `toml:"cron"`
	Lookback string   `toml:"lookback"`
	Series   []string `toml:"series"`
}

// SeriesKeys parses the watchlist.
func (s ScanConfig) SeriesKeys() ([]domain.SeriesKey, error) {
	keys := make([]domain.SeriesKey, 0, len(s.Series))
	for _, raw := range s.Series {
		i := strings.LastIndexByte(raw, ':')
		if i <= 0 || i == len(raw)-1 {
			return nil, fmt.Errorf("scan: series %q must be INSTRUMENT:TIMEFRAME: %w", raw, domain.ErrValidation)
		}
		key := domain.SeriesKey{
			Instrument: strings.TrimSpace(raw[:i]),
			Timeframe:  domain.Timeframe(strings.TrimSpace(raw[i+1:])),
		}
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("scan: series %q: %w", raw, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinConfidence     float64  `toml:"min_confidence"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "server",
		LogLevel: "info",
		Backend:  "postgres",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ohlcvault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "ohlcvault",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ohlcvault-archive",
			ForcePathStyle: true,
		},
		Gateway: GatewayConfig{
			MaxRetries:     3,
			RetryBaseDelay: duration{100 * time.Millisecond},
			RetryMaxDelay:  duration{2 * time.Second},
		},
		Snapshot: SnapshotConfig{
			LockTTL:           duration{2 * time.Minute},
			EnrichConcurrency: 8,
			LineageDepth:      10,
		},
		Retention: RetentionConfig{
			Enabled:             false,
			Cron:                "0 3 * * *",
			DryRun:              true,
			MaxAgeDays:          365,
			ExemptPurposes:      []string{domain.PurposeBacktest},
			ExemptTags:          []string{"keep"},
			ArchiveBeforeDelete: false,
		},
		Scan: ScanConfig{
			Cron:     "30 0 * * *",
			Lookback: "30D",
		},
		Anomaly:   anomaly.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Server: ServerConfig{
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 600,
		},
		Notify: NotifyConfig{
			Events:        []string{"corporate_action", "adjustment_applied", "retention_failure", "integrity_failure"},
			MinConfidence: 0.8,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"retention": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, retention, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Backend
	switch c.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown backend %q (valid: postgres, memory)", c.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// Gateway
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, "gateway: max_retries must be >= 0")
	}
	if c.Gateway.RetryMaxDelay.Duration < c.Gateway.RetryBaseDelay.Duration {
		errs = append(errs, "gateway: retry_max_delay must not be below retry_base_delay")
	}

	// Snapshot
	if c.Snapshot.LockTTL.Duration <= 0 {
		errs = append(errs, "snapshot: lock_ttl must be > 0")
	}

	// Retention
	if c.Retention.MaxAgeDays <= 0 {
		errs = append(errs, "retention: max_age_days must be > 0")
	}
	if c.Retention.Enabled || c.Mode == "retention" {
		if _, err := cron.ParseStandard(c.Retention.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("retention: invalid cron %q: %v", c.Retention.Cron, err))
		}
	}
	if c.Retention.ArchiveBeforeDelete && !c.S3.Enabled {
		errs = append(errs, "retention: archive_before_delete requires s3.enabled")
	}

	// Scan
	if c.Scan.Enabled {
		if _, err := cron.ParseStandard(c.Scan.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("scan: invalid cron %q: %v", c.Scan.Cron, err))
		}
		if len(c.Scan.Series) == 0 {
			errs = append(errs, "scan: series must not be empty when enabled")
		}
		if _, err := c.Scan.SeriesKeys(); err != nil {
			errs = append(errs, err.Error())
		}
		if _, err := domain.ApplyLookback(domain.AllTime(), c.Scan.Lookback); err != nil || c.Scan.Lookback == "" {
			errs = append(errs, fmt.Sprintf("scan: invalid lookback %q", c.Scan.Lookback))
		}
	}

	// Anomaly and reconcile thresholds
	if c.Anomaly.MaxWindow < 2 {
		errs = append(errs, "anomaly: max_window must be >= 2")
	}
	if c.Anomaly.ZScoreThreshold <= 0 {
		errs = append(errs, "anomaly: zscore_threshold must be > 0")
	}
	if c.Reconcile.PriceTolerancePct < 0 || c.Reconcile.VolumeTolerancePct < 0 {
		errs = append(errs, "reconcile: tolerances must be >= 0")
	}
	if c.Reconcile.MinAdjustConfidence < 0 || c.Reconcile.MinAdjustConfidence > 1 {
		errs = append(errs, "reconcile: min_adjust_confidence must be within [0, 1]")
	}

	// Server
	if c.Mode != "retention" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.MinConfidence < 0 || c.Notify.MinConfidence > 1 {
		errs = append(errs, "notify: min_confidence must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
