package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/cdandre2010/ohlcvault/internal/blob/s3"
	"github.com/cdandre2010/ohlcvault/internal/cache/redis"
	"github.com/cdandre2010/ohlcvault/internal/config"
	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/gateway"
	"github.com/cdandre2010/ohlcvault/internal/notify"
	"github.com/cdandre2010/ohlcvault/internal/store/memory"
	"github.com/cdandre2010/ohlcvault/internal/store/postgres"
)

// Dependencies bundles every backend the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Backend
	Gateway   domain.Gateway
	Audit     domain.AuditStore
	Snapshots domain.SnapshotStore
	Purger    domain.Purger

	// Coordination
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	// Cold storage. Archiver is set only when retention archives before
	// deleting; Archives whenever S3 is enabled.
	Archiver domain.SnapshotArchiver
	Archives *s3blob.Archiver

	Notifier *notify.Notifier

	// Health probes every wired backend.
	Health *healthProbe
}

// healthProbe checks the gateway plus the optional Redis and S3 clients.
type healthProbe struct {
	gateway domain.Gateway
	redis   *redis.Client
	s3      *s3blob.Client
}

// HealthCheck returns the joined failures of every probed backend.
func (h *healthProbe) HealthCheck(ctx context.Context) error {
	var errs []error
	if err := h.gateway.HealthCheck(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.s3 != nil {
		if err := h.s3.Health(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	var backend domain.Gateway

	// --- Backend ---
	switch cfg.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		snapshots := postgres.NewSnapshotStore(pool)
		backend = postgres.NewPointStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Snapshots = snapshots
		deps.Purger = snapshots
	case "memory":
		mem := memory.New()
		backend = mem
		deps.Audit = mem
		deps.Snapshots = mem.Snapshots()
		deps.Purger = mem
		logger.WarnContext(ctx, "wire: using in-memory backend, data is lost on exit")
	default:
		return nil, nil, fmt.Errorf("wire: unknown backend %q", cfg.Backend)
	}

	deps.Gateway = gateway.NewRetrying(backend, gateway.RetryConfig{
		MaxRetries: cfg.Gateway.MaxRetries,
		BaseDelay:  cfg.Gateway.RetryBaseDelay.Duration,
		MaxDelay:   cfg.Gateway.RetryMaxDelay.Duration,
	}, logger)
	deps.Health = &healthProbe{gateway: backend}

	// --- Redis (locks, rate limit, event bus); in-process fallbacks otherwise ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Health.redis = redisClient
	} else {
		deps.Locks = memory.NewLockManager()
		deps.Limiter = memory.NewRateLimiter()
		deps.Bus = memory.NewBus()
	}

	// --- S3 snapshot archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archives = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		if cfg.Retention.ArchiveBeforeDelete {
			deps.Archiver = deps.Archives
		}
		deps.Health.s3 = s3Client
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.MinConfidence, logger)

	return deps, cleanup, nil
}
