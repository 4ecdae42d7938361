package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/service"
)

// AnomalyScanner runs an anomaly scan of one series.
type AnomalyScanner interface {
	ScanAnomalies(ctx context.Context, key domain.SeriesKey, req service.ScanRequest) (service.ScanResult, error)
}

// ScanJob scans the latest version of each watched series over a trailing
// lookback window.
type ScanJob struct {
	scanner  AnomalyScanner
	series   []domain.SeriesKey
	lookback string
	logger   *slog.Logger
	now      func() time.Time
}

// NewScanJob validates the watchlist and lookback expression.
func NewScanJob(scanner AnomalyScanner, series []domain.SeriesKey, lookback string, logger *slog.Logger) (*ScanJob, error) {
	for _, k := range series {
		if err := k.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: watchlist: %w", err)
		}
	}
	if lookback == "" {
		return nil, fmt.Errorf("pipeline: scan lookback is required: %w", domain.ErrValidation)
	}
	if _, err := domain.ApplyLookback(domain.TimeRange{Start: time.Now(), End: time.Now()}, lookback); err != nil {
		return nil, fmt.Errorf("pipeline: scan lookback: %w", err)
	}
	return &ScanJob{
		scanner:  scanner,
		series:   series,
		lookback: lookback,
		logger:   logger.With(slog.String("component", "scan_job")),
		now:      time.Now,
	}, nil
}

func (j *ScanJob) Name() string { return "anomaly_scan" }

// RunOnce scans every series. A series without data is skipped; other
// failures are joined so one bad series does not hide the rest.
func (j *ScanJob) RunOnce(ctx context.Context) error {
	end := j.now().UTC()
	r, err := domain.ApplyLookback(domain.TimeRange{Start: end, End: end}, j.lookback)
	if err != nil {
		return fmt.Errorf("pipeline: scan lookback: %w", err)
	}
	var errs []error
	for _, key := range j.series {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := j.scanner.ScanAnomalies(ctx, key, service.ScanRequest{Range: r, UserID: schedulerUser})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if res.PointCount == 0 {
			j.logger.Debug("no data in window", slog.String("series", key.String()))
			continue
		}
		j.logger.Info("series scanned",
			slog.String("series", key.String()),
			slog.Int("points", res.PointCount),
			slog.Int("anomalies", res.Total),
			slog.Float64("max_confidence", res.MaxConfidence),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: anomaly scan: %w", err)
	}
	return nil
}
