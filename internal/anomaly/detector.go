// Package anomaly scans a sorted OHLCV series for statistical outliers and
// corporate-action signatures. Scanners are stateless and report nothing,
// rather than an error, when a series is clean.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// Config holds scanner thresholds. Percentages are expressed in percent.
type Config struct {
	MaxWindow           int     `toml:"max_window"`
	ZScoreThreshold     float64 `toml:"zscore_threshold"`
	PriceChangePct      float64 `toml:"price_change_pct"`
	VolumeSpikeRatio    float64 `toml:"volume_spike_ratio"`
	PriceGapPct         float64 `toml:"price_gap_pct"`
	SplitDropPct        float64 `toml:"split_drop_pct"`
	SplitVolumeRatio    float64 `toml:"split_volume_ratio"`
	SplitMinConfidence  float64 `toml:"split_min_confidence"`
	DividendMinDropPct  float64 `toml:"dividend_min_drop_pct"`
	DividendMaxDropPct  float64 `toml:"dividend_max_drop_pct"`
	DividendMinConf     float64 `toml:"dividend_min_confidence"`
	MergerChangePct     float64 `toml:"merger_change_pct"`
	MergerVolumeRatio   float64 `toml:"merger_volume_ratio"`
	MergerVolumeWindow  int     `toml:"merger_volume_window"`
	MergerMinConfidence float64 `toml:"merger_min_confidence"`
	TimestampTolerance  float64 `toml:"timestamp_tolerance"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxWindow:           20,
		ZScoreThreshold:     3.0,
		PriceChangePct:      10,
		VolumeSpikeRatio:    5.0,
		PriceGapPct:         5,
		SplitDropPct:        -30,
		SplitVolumeRatio:    1.5,
		SplitMinConfidence:  0.8,
		DividendMinDropPct:  0.5,
		DividendMaxDropPct:  5,
		DividendMinConf:     0.7,
		MergerChangePct:     15,
		MergerVolumeRatio:   5,
		MergerVolumeWindow:  10,
		MergerMinConfidence: 0.9,
		TimestampTolerance:  0.10,
	}
}

// AllTypes lists every scanner in the order Scan runs them.
var AllTypes = []domain.AnomalyType{
	domain.AnomalyPriceOutlier,
	domain.AnomalyPriceChange,
	domain.AnomalyVolumeSpike,
	domain.AnomalyZeroVolume,
	domain.AnomalyPriceGap,
	domain.AnomalySplit,
	domain.AnomalyDividend,
	domain.AnomalyMerger,
	domain.AnomalyTimestampIrregularity,
}

// ParseType validates an anomaly type name.
func ParseType(s string) (domain.AnomalyType, error) {
	t := domain.AnomalyType(s)
	if slices.Contains(AllTypes, t) {
		return t, nil
	}
	return "", fmt.Errorf("unknown anomaly type %q: %w", s, domain.ErrValidation)
}

type scanFunc func(ctx context.Context, pts []domain.MarketPoint, interval float64) ([]domain.Anomaly, error)

// Detector runs the scanners.
type Detector struct {
	cfg      Config
	logger   *slog.Logger
	scanners map[domain.AnomalyType]scanFunc
}

// NewDetector creates a Detector.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	d := &Detector{cfg: cfg, logger: logger.With(slog.String("component", "anomaly_detector"))}
	d.scanners = map[domain.AnomalyType]scanFunc{
		domain.AnomalyPriceOutlier:          d.PriceOutliers,
		domain.AnomalyPriceChange:           d.PriceChanges,
		domain.AnomalyVolumeSpike:           d.VolumeSpikes,
		domain.AnomalyZeroVolume:            d.ZeroVolume,
		domain.AnomalyPriceGap:              d.PriceGaps,
		domain.AnomalySplit:                 d.Splits,
		domain.AnomalyDividend:              d.Dividends,
		domain.AnomalyMerger:                d.Mergers,
		domain.AnomalyTimestampIrregularity: d.TimestampIrregularities,
	}
	return d
}

// Scan runs the requested scanners (all when types is empty) over a sorted
// copy of points and concatenates their raw results.
func (d *Detector) Scan(ctx context.Context, points []domain.MarketPoint, tf domain.Timeframe, types []domain.AnomalyType) ([]domain.Anomaly, error) {
	interval, err := tf.Interval()
	if err != nil {
		return nil, fmt.Errorf("anomaly: %w", err)
	}
	if len(types) == 0 {
		types = AllTypes
	}
	pts := append([]domain.MarketPoint(nil), points...)
	domain.SortPoints(pts)

	var out []domain.Anomaly
	for _, t := range types {
		scan, ok := d.scanners[t]
		if !ok {
			return nil, fmt.Errorf("anomaly: unknown type %q: %w", t, domain.ErrValidation)
		}
		found, err := scan(ctx, pts, interval.Seconds())
		if err != nil {
			return nil, fmt.Errorf("anomaly: %s scan: %w", t, err)
		}
		out = append(out, found...)
	}
	d.logger.Debug("scan complete", slog.Int("points", len(pts)), slog.Int("anomalies", len(out)))
	return out, nil
}

// window is the rolling window used by the outlier scanners.
func (d *Detector) window(n int) int {
	return max(1, min(d.cfg.MaxWindow, n/4))
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(vals)))
}

func pctChange(from, to float64) (float64, bool) {
	if from == 0 {
		return 0, false
	}
	return (to - from) / from * 100, true
}

// round4 keeps confidences free of float noise such as 0.7+0.1 landing just
// under 0.8.
func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
