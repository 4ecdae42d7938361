// Package gateway wraps a domain.Gateway with bounded retries of transient
// backend failures.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries three times starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retrying retries calls that fail with domain.ErrTransient using exponential
// backoff with full jitter. Any other error is returned on the first attempt.
// When retries run out the last transient error is returned unchanged.
type Retrying struct {
	next   domain.Gateway
	cfg    RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next.
func NewRetrying(next domain.Gateway, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gateway")),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.cfg.BaseDelay << attempt
	if d <= 0 || d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !domain.Retryable(err) || attempt >= r.cfg.MaxRetries {
			return err
		}
		delay := r.backoff(attempt)
		r.logger.Warn("transient gateway failure, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("gateway: %s: %w", op, err)
		}
	}
}

func (r *Retrying) Write(ctx context.Context, key domain.SeriesKey, v domain.Version, tags map[string]string, points []domain.MarketPoint) error {
	return r.do(ctx, "write", func() error {
		return r.next.Write(ctx, key, v, tags, points)
	})
}

func (r *Retrying) Query(ctx context.Context, key domain.SeriesKey, v domain.Version, tr domain.TimeRange) ([]domain.MarketPoint, error) {
	var out []domain.MarketPoint
	err := r.do(ctx, "query", func() error {
		var err error
		out, err = r.next.Query(ctx, key, v, tr)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key domain.SeriesKey, v domain.Version, tr domain.TimeRange) error {
	return r.do(ctx, "delete", func() error {
		return r.next.Delete(ctx, key, v, tr)
	})
}

func (r *Retrying) ListVersions(ctx context.Context, key domain.SeriesKey) ([]domain.Version, error) {
	var out []domain.Version
	err := r.do(ctx, "list_versions", func() error {
		var err error
		out, err = r.next.ListVersions(ctx, key)
		return err
	})
	return out, err
}

// HealthCheck is not retried; a failing probe should be reported as is.
func (r *Retrying) HealthCheck(ctx context.Context) error {
	return r.next.HealthCheck(ctx)
}

var _ domain.Gateway = (*Retrying)(nil)
