package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/caio/go-tdigest/v4"
	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// PriceOutliers flags OHLC values whose z-score against the trailing window
// exceeds the threshold.
func (d *Detector) PriceOutliers(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	w := d.window(len(pts))
	var out []domain.Anomaly
	for _, f := range domain.PriceFields {
		vals := column(pts, f)
		for i := w; i < len(vals); i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			mean, std := meanStd(vals[i-w : i])
			if std == 0 {
				continue
			}
			z := (vals[i] - mean) / std
			if math.Abs(z) <= d.cfg.ZScoreThreshold {
				continue
			}
			out = append(out, domain.Anomaly{
				Timestamp:   pts[i].Timestamp,
				Type:        domain.AnomalyPriceOutlier,
				Field:       f,
				Value:       vals[i],
				Confidence:  round4(math.Min(0.5+math.Abs(z)/10, 0.95)),
				Description: fmt.Sprintf("%s %.4g is %.1f standard deviations from its %d-bar mean", f, vals[i], z, w),
				SupportingMetrics: map[string]float64{
					"z_score":      z,
					"rolling_mean": mean,
					"rolling_std":  std,
					"window":       float64(w),
				},
			})
		}
	}
	return out, nil
}

// PriceChanges flags bar-over-bar moves above the threshold. A move is more
// credible when another OHLC field moved by at least half the threshold in
// the same bar.
func (d *Detector) PriceChanges(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	half := d.cfg.PriceChangePct / 2
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changes := make(map[domain.Field]float64, len(domain.PriceFields))
		for _, f := range domain.PriceFields {
			if pct, ok := pctChange(pts[i-1].Get(f), pts[i].Get(f)); ok {
				changes[f] = pct
			}
		}
		for _, f := range domain.PriceFields {
			pct, ok := changes[f]
			if !ok || math.Abs(pct) <= d.cfg.PriceChangePct {
				continue
			}
			confirming := 0
			for g, other := range changes {
				if g != f && math.Abs(other) > half {
					confirming++
				}
			}
			conf := 0.5 + math.Min(math.Abs(pct)/100, 0.3)
			if confirming > 0 {
				conf += 0.15
			}
			out = append(out, domain.Anomaly{
				Timestamp:   pts[i].Timestamp,
				Type:        domain.AnomalyPriceChange,
				Field:       f,
				Value:       pts[i].Get(f),
				Confidence:  round4(math.Min(conf, 0.95)),
				Description: fmt.Sprintf("%s changed %.2f%% from the previous bar", f, pct),
				SupportingMetrics: map[string]float64{
					"pct_change":        pct,
					"previous":          pts[i-1].Get(f),
					"confirming_fields": float64(confirming),
				},
			})
		}
	}
	return out, nil
}

// PriceGaps flags opens that differ from the previous close by more than the
// gap threshold.
func (d *Detector) PriceGaps(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gap, ok := pctChange(pts[i-1].Close, pts[i].Open)
		if !ok || math.Abs(gap) <= d.cfg.PriceGapPct {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalyPriceGap,
			Field:       domain.FieldOpen,
			Value:       pts[i].Open,
			Confidence:  round4(math.Min(0.5+math.Abs(gap)/100, 0.9)),
			Description: fmt.Sprintf("open gapped %.2f%% from previous close %.4g", gap, pts[i-1].Close),
			SupportingMetrics: map[string]float64{
				"gap_pct":    gap,
				"prev_close": pts[i-1].Close,
			},
		})
	}
	return out, nil
}

// VolumeSpikes flags volume above a multiple of the trailing average.
func (d *Detector) VolumeSpikes(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	w := d.window(len(pts))
	vols := column(pts, domain.FieldVolume)
	var out []domain.Anomaly
	for i := w; i < len(vols); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		avg, _ := meanStd(vols[i-w : i])
		if avg <= 0 {
			continue
		}
		ratio := vols[i] / avg
		if ratio <= d.cfg.VolumeSpikeRatio {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalyVolumeSpike,
			Field:       domain.FieldVolume,
			Value:       vols[i],
			Confidence:  round4(math.Min(0.5+ratio/20, 0.95)),
			Description: fmt.Sprintf("volume %.4g is %.1fx the %d-bar average", vols[i], ratio, w),
			SupportingMetrics: map[string]float64{
				"volume_ratio": ratio,
				"rolling_avg":  avg,
				"window":       float64(w),
			},
		})
	}
	return out, nil
}

// ZeroVolume flags bars with no volume in a series that normally trades.
// Confidence grows with the median volume.
func (d *Detector) ZeroVolume(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	median, err := quantile(column(pts, domain.FieldVolume), 0.5)
	if err != nil {
		return nil, err
	}
	if median <= 0 {
		return nil, nil
	}
	conf := round4(clamp(0.5+0.1*math.Log10(1+median), 0.5, 0.95))

	var out []domain.Anomaly
	for _, p := range pts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Volume != 0 {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:         p.Timestamp,
			Type:              domain.AnomalyZeroVolume,
			Field:             domain.FieldVolume,
			Confidence:        conf,
			Description:       fmt.Sprintf("zero volume where the median is %.4g", median),
			SupportingMetrics: map[string]float64{"median_volume": median},
		})
	}
	return out, nil
}

// TimestampIrregularities flags spacing that deviates from the nominal
// interval by more than the tolerance. Large deviations are usually session
// breaks, so confidence falls as the deviation grows.
func (d *Detector) TimestampIrregularities(ctx context.Context, pts []domain.MarketPoint, interval float64) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		observed := pts[i].Timestamp.Sub(pts[i-1].Timestamp).Seconds()
		dev := math.Abs(observed-interval) / interval
		if dev <= d.cfg.TimestampTolerance {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalyTimestampIrregularity,
			Value:       observed,
			Confidence:  round4(clamp(0.9-0.1*dev, 0.3, 0.9)),
			Description: fmt.Sprintf("bar spacing %.0fs deviates %.0f%% from the nominal %.0fs", observed, dev*100, interval),
			SupportingMetrics: map[string]float64{
				"observed_seconds": observed,
				"expected_seconds": interval,
				"deviation":        dev,
			},
		})
	}
	return out, nil
}

func column(pts []domain.MarketPoint, f domain.Field) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Get(f)
	}
	return out
}

// quantile estimates q over vals with a t-digest.
func quantile(vals []float64, q float64) (float64, error) {
	td, err := tdigest.New()
	if err != nil {
		return 0, fmt.Errorf("tdigest: %w", err)
	}
	for _, v := range vals {
		if err := td.Add(v); err != nil {
			return 0, fmt.Errorf("tdigest add: %w", err)
		}
	}
	if td.Count() == 0 {
		return 0, nil
	}
	return td.Quantile(q), nil
}
