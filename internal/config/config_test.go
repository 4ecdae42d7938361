package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "full"
backend = "memory"

[retention]
enabled = true
cron = "15 2 * * *"
max_age_days = 90
exempt_tags = ["keep", "paper=q1"]

[scan]
enabled = true
series = ["AAPL:1d", "BTC:USD:1h"]

[anomaly]
zscore_threshold = 4.5

[gateway]
retry_base_delay = "250ms"
`), 0o600))

	t.Setenv("OHLCVAULT_SERVER_PORT", "9100")
	t.Setenv("OHLCVAULT_NOTIFY_EVENTS", "adjustment_applied, retention_failure")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 90, cfg.Retention.Policy().MaxAgeDays)
	assert.Equal(t, []string{"keep", "paper=q1"}, cfg.Retention.Policy().ExemptTags)
	assert.Equal(t, 4.5, cfg.Anomaly.ZScoreThreshold)
	assert.Equal(t, 20, cfg.Anomaly.MaxWindow, "untouched thresholds keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.RetryBaseDelay.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"adjustment_applied", "retention_failure"}, cfg.Notify.Events)

	keys, err := cfg.Scan.SeriesKeys()
	require.NoError(t, err)
	assert.Equal(t, []domain.SeriesKey{
		{Instrument: "AAPL", Timeframe: "1d"},
		{Instrument: "BTC:USD", Timeframe: "1h"},
	}, keys)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Backend = "sqlite"
	cfg.Retention.Enabled = true
	cfg.Retention.Cron = "every day"
	cfg.Retention.ArchiveBeforeDelete = true
	cfg.Scan.Enabled = true
	cfg.Scan.Series = []string{"AAPL"}
	cfg.Notify.TelegramToken = "t"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown backend "sqlite"`,
		"retention: invalid cron",
		"archive_before_delete requires s3.enabled",
		"must be INSTRUMENT:TIMEFRAME",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRetentionModeSkipsServerChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "retention"
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "sk"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Empty(t, red.Postgres.DSN, "empty secrets stay empty")

	red.Server.CORSOrigins[0] = "changed"
	red.Reconcile.Weights[domain.FieldClose] = 0
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.Equal(t, 0.30, cfg.Reconcile.Weights[domain.FieldClose])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}
