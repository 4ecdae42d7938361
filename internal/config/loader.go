package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OHLCVAULT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OHLCVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "OHLCVAULT_MODE")
	setStr(&cfg.LogLevel, "OHLCVAULT_LOG_LEVEL")
	setStr(&cfg.Backend, "OHLCVAULT_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias, the prefixed name wins
	setStr(&cfg.Postgres.DSN, "OHLCVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "OHLCVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OHLCVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OHLCVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OHLCVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OHLCVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OHLCVAULT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "OHLCVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OHLCVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "OHLCVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "OHLCVAULT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "OHLCVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OHLCVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OHLCVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OHLCVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OHLCVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OHLCVAULT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "OHLCVAULT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "OHLCVAULT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OHLCVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OHLCVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "OHLCVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OHLCVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OHLCVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OHLCVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OHLCVAULT_S3_FORCE_PATH_STYLE")

	// ── Gateway / snapshot ──
	setInt(&cfg.Gateway.MaxRetries, "OHLCVAULT_GATEWAY_MAX_RETRIES")
	setDuration(&cfg.Gateway.RetryBaseDelay, "OHLCVAULT_GATEWAY_RETRY_BASE_DELAY")
	setDuration(&cfg.Gateway.RetryMaxDelay, "OHLCVAULT_GATEWAY_RETRY_MAX_DELAY")
	setDuration(&cfg.Snapshot.LockTTL, "OHLCVAULT_SNAPSHOT_LOCK_TTL")

	// ── Retention ──
	setBool(&cfg.Retention.Enabled, "OHLCVAULT_RETENTION_ENABLED")
	setStr(&cfg.Retention.Cron, "OHLCVAULT_RETENTION_CRON")
	setBool(&cfg.Retention.DryRun, "OHLCVAULT_RETENTION_DRY_RUN")
	setBool(&cfg.Retention.RunAtStart, "OHLCVAULT_RETENTION_RUN_AT_START")
	setInt(&cfg.Retention.MaxAgeDays, "OHLCVAULT_RETENTION_MAX_AGE_DAYS")
	setStringSlice(&cfg.Retention.ExemptPurposes, "OHLCVAULT_RETENTION_EXEMPT_PURPOSES")
	setStringSlice(&cfg.Retention.ExemptTags, "OHLCVAULT_RETENTION_EXEMPT_TAGS")
	setBool(&cfg.Retention.ArchiveBeforeDelete, "OHLCVAULT_RETENTION_ARCHIVE_BEFORE_DELETE")

	// ── Scan ──
	setBool(&cfg.Scan.Enabled, "OHLCVAULT_SCAN_ENABLED")
	setStr(&cfg.Scan.Cron, "OHLCVAULT_SCAN_CRON")
	setStr(&cfg.Scan.Lookback, "OHLCVAULT_SCAN_LOOKBACK")
	setStringSlice(&cfg.Scan.Series, "OHLCVAULT_SCAN_SERIES")

	// ── Reconcile ──
	setFloat64(&cfg.Reconcile.PriceTolerancePct, "OHLCVAULT_RECONCILE_PRICE_TOLERANCE_PCT")
	setFloat64(&cfg.Reconcile.VolumeTolerancePct, "OHLCVAULT_RECONCILE_VOLUME_TOLERANCE_PCT")
	setFloat64(&cfg.Reconcile.MinAdjustConfidence, "OHLCVAULT_RECONCILE_MIN_ADJUST_CONFIDENCE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform alias, the prefixed name wins
	setInt(&cfg.Server.Port, "OHLCVAULT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OHLCVAULT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "OHLCVAULT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "OHLCVAULT_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OHLCVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OHLCVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OHLCVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OHLCVAULT_NOTIFY_EVENTS")
	setFloat64(&cfg.Notify.MinConfidence, "OHLCVAULT_NOTIFY_MIN_CONFIDENCE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
