package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// splitRatio is a canonical N:1 split and the overnight drop it produces.
type splitRatio struct {
	n       int
	dropPct float64
}

var splitRatios = []splitRatio{
	{2, 50},
	{3, 100 * (1 - 1.0/3)},
	{4, 75},
	{5, 80},
	{10, 90},
}

// nearestSplit returns the canonical ratio whose drop is closest to dropPct
// (a positive magnitude).
func nearestSplit(dropPct float64) splitRatio {
	best := splitRatios[0]
	for _, r := range splitRatios[1:] {
		if math.Abs(dropPct-r.dropPct) < math.Abs(dropPct-best.dropPct) {
			best = r
		}
	}
	return best
}

// overnight returns the previous close to open move in percent and the
// bar-over-bar volume ratio.
func overnight(prev, cur domain.MarketPoint) (dropPct, volRatio float64, ok bool) {
	dropPct, ok = pctChange(prev.Close, cur.Open)
	if !ok || prev.Volume <= 0 {
		return 0, 0, false
	}
	return dropPct, cur.Volume / prev.Volume, true
}

// Splits looks for an overnight drop beyond the split threshold backed by a
// volume increase and matches it to the nearest canonical ratio.
func (d *Detector) Splits(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		drop, ratio, ok := overnight(pts[i-1], pts[i])
		if !ok || drop >= d.cfg.SplitDropPct || ratio <= d.cfg.SplitVolumeRatio {
			continue
		}
		mag := math.Abs(drop)
		sr := nearestSplit(mag)
		conf := 0.7 * (1 - math.Abs(mag-sr.dropPct)/sr.dropPct)
		if ratio > 1.8 {
			conf += 0.1
		}
		if ratio > 2.5 {
			conf += 0.1
		}
		conf = round4(math.Min(conf, 0.95))
		if conf < d.cfg.SplitMinConfidence {
			continue
		}
		label := fmt.Sprintf("%d:1", sr.n)
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalySplit,
			Field:       domain.FieldOpen,
			Value:       pts[i].Open,
			Confidence:  conf,
			Description: fmt.Sprintf("overnight drop of %.2f%% with %.1fx volume matches a %s split", drop, ratio, label),
			SupportingMetrics: map[string]float64{
				"drop_pct":          drop,
				"expected_drop_pct": -sr.dropPct,
				"volume_ratio":      ratio,
				"split_factor":      float64(sr.n),
			},
			Attributes: map[string]string{"estimated_split_ratio": label},
		})
	}
	return out, nil
}

// Dividends looks for small overnight drops on ordinary volume.
func (d *Detector) Dividends(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		drop, ratio, ok := overnight(pts[i-1], pts[i])
		if !ok || drop <= -d.cfg.DividendMaxDropPct || drop >= -d.cfg.DividendMinDropPct || ratio >= 1.5 {
			continue
		}
		mag := math.Abs(drop)
		conf := 0.6
		if mag >= 0.5 && mag <= 4 {
			conf += 0.2
		}
		if mag > 4 {
			conf -= 0.1
		}
		if math.Abs(ratio-1) > 0.3 {
			conf -= 0.1
		}
		conf = round4(clamp(conf, 0, 1))
		if conf < d.cfg.DividendMinConf {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalyDividend,
			Field:       domain.FieldOpen,
			Value:       pts[i].Open,
			Confidence:  conf,
			Description: fmt.Sprintf("overnight drop of %.2f%% on %.2fx volume looks like an ex-dividend open", drop, ratio),
			SupportingMetrics: map[string]float64{
				"drop_pct":      drop,
				"volume_ratio":  ratio,
				"implied_yield": mag,
			},
			Attributes: map[string]string{"estimated_dividend_yield": fmt.Sprintf("%.2f%%", mag)},
		})
	}
	return out, nil
}

// Mergers looks for large closes-to-close moves on volume far above the
// trailing average.
func (d *Detector) Mergers(ctx context.Context, pts []domain.MarketPoint, _ float64) ([]domain.Anomaly, error) {
	w := max(1, d.cfg.MergerVolumeWindow)
	vols := column(pts, domain.FieldVolume)
	var out []domain.Anomaly
	for i := 1; i < len(pts); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		change, ok := pctChange(pts[i-1].Close, pts[i].Close)
		if !ok || math.Abs(change) <= d.cfg.MergerChangePct {
			continue
		}
		avg, _ := meanStd(vols[max(0, i-w):i])
		if avg <= 0 {
			continue
		}
		ratio := vols[i] / avg
		if ratio <= d.cfg.MergerVolumeRatio {
			continue
		}
		conf := 0.5 + math.Min(math.Abs(change)/100, 0.25) + math.Min(ratio/30, 0.2)
		conf = round4(math.Min(conf, 0.9))
		if conf < d.cfg.MergerMinConfidence {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:   pts[i].Timestamp,
			Type:        domain.AnomalyMerger,
			Field:       domain.FieldClose,
			Value:       pts[i].Close,
			Confidence:  conf,
			Description: fmt.Sprintf("close moved %.2f%% on %.1fx average volume", change, ratio),
			SupportingMetrics: map[string]float64{
				"pct_change":   change,
				"volume_ratio": ratio,
				"avg_volume":   avg,
			},
		})
	}
	return out, nil
}
