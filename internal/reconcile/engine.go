// Package reconcile compares the stored latest series with an external copy
// and recommends a corrective adjustment when the two disagree
// systematically.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// Config holds tolerances and weights.
type Config struct {
	PriceTolerancePct   float64                  `toml:"price_tolerance_pct"`
	VolumeTolerancePct  float64                  `toml:"volume_tolerance_pct"`
	MinAdjustConfidence float64                  `toml:"min_adjust_confidence"`
	Weights             map[domain.Field]float64 `toml:"-"`
}

// DefaultConfig returns the stock tolerances: 0.01% for prices, 1% for volume.
func DefaultConfig() Config {
	return Config{
		PriceTolerancePct:   0.01,
		VolumeTolerancePct:  1,
		MinAdjustConfidence: 0.8,
		Weights: map[domain.Field]float64{
			domain.FieldOpen:   0.15,
			domain.FieldHigh:   0.25,
			domain.FieldLow:    0.25,
			domain.FieldClose:  0.30,
			domain.FieldVolume: 0.05,
		},
	}
}

// Applier materializes a recommendation.
type Applier interface {
	Apply(ctx context.Context, req domain.AdjustmentRequest) (adjust.Result, error)
}

// FieldDiscrepancy is one field that differs beyond tolerance.
type FieldDiscrepancy struct {
	Field    domain.Field `json:"field"`
	Cached   float64      `json:"cached"`
	External float64      `json:"external"`
	PctDiff  float64      `json:"pct_diff"`
}

// Discrepancy is a timestamp where at least one field differs.
type Discrepancy struct {
	Timestamp time.Time          `json:"timestamp"`
	Fields    []FieldDiscrepancy `json:"fields"`
	Severity  float64            `json:"severity"`
}

// Recommendation is the adjustment implied by the discrepancies.
type Recommendation struct {
	Type          domain.AdjustmentType `json:"adjustment_type"`
	Factor        float64               `json:"factor"`
	Confidence    float64               `json:"confidence"`
	MedianPctDiff float64               `json:"median_pct_diff"`
	CV            float64               `json:"coefficient_of_variation"`
	ReferenceDate time.Time             `json:"reference_date"`
	SplitRatio    string                `json:"split_ratio,omitempty"`
}

// Options controls a reconciliation run.
type Options struct {
	CreateAdjustment bool   `json:"create_adjustment"`
	UserID           string `json:"user_id"`
	Source           string `json:"source"`
}

// Report is the reconciliation outcome.
type Report struct {
	SeriesKey         domain.SeriesKey `json:"series_key"`
	Range             domain.TimeRange `json:"range"`
	Compared          int              `json:"compared"`
	Discrepancies     []Discrepancy    `json:"discrepancies"`
	MissingInCached   []time.Time      `json:"missing_in_cached"`
	MissingInExternal []time.Time      `json:"missing_in_external"`
	MaxSeverity       float64          `json:"max_severity"`
	Recommendation    *Recommendation  `json:"recommendation,omitempty"`
	Adjustment        *adjust.Result   `json:"adjustment,omitempty"`
}

// Engine runs reconciliations.
type Engine struct {
	gateway domain.Gateway
	audit   domain.AuditStore
	applier Applier
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Engine. applier may be nil when adjustments are never
// created automatically.
func New(gateway domain.Gateway, audit domain.AuditStore, applier Applier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Weights == nil {
		cfg.Weights = DefaultConfig().Weights
	}
	return &Engine{
		gateway: gateway,
		audit:   audit,
		applier: applier,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "reconcile")),
		now:     time.Now,
	}
}

// Reconcile compares latest over r with external. When opts.CreateAdjustment
// is set and the recommendation is confident enough, the adjustment is
// applied; an apply failure is returned alongside the report.
func (e *Engine) Reconcile(ctx context.Context, key domain.SeriesKey, external []domain.MarketPoint, r domain.TimeRange, opts Options) (Report, error) {
	if err := key.Validate(); err != nil {
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}
	cached, err := e.gateway.Query(ctx, key, domain.Latest(), r)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: read latest %s: %w", key, err)
	}

	rep := e.Compare(cached, external, r)
	rep.SeriesKey = key

	if err := e.record(ctx, key, rep, opts); err != nil {
		return Report{}, err
	}

	rec := rep.Recommendation
	if !opts.CreateAdjustment || rec == nil || rec.Confidence < e.cfg.MinAdjustConfidence {
		return rep, nil
	}
	if e.applier == nil {
		return rep, fmt.Errorf("reconcile: no applier configured: %w", domain.ErrValidation)
	}
	source := opts.Source
	if source == "" {
		source = "reconciliation"
	}
	res, err := e.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey:     key,
		Type:          rec.Type,
		Factor:        rec.Factor,
		ReferenceDate: rec.ReferenceDate,
		Source:        source,
		UserID:        opts.UserID,
		Confidence:    rec.Confidence,
	})
	if err != nil {
		return rep, fmt.Errorf("reconcile: apply %s: %w", rec.Type, err)
	}
	rep.Adjustment = &res
	return rep, nil
}

func (e *Engine) record(ctx context.Context, key domain.SeriesKey, rep Report, opts Options) error {
	md := map[string]any{
		"compared":            rep.Compared,
		"discrepancies":       len(rep.Discrepancies),
		"missing_in_cached":   len(rep.MissingInCached),
		"missing_in_external": len(rep.MissingInExternal),
		"max_severity":        rep.MaxSeverity,
		"source":              opts.Source,
	}
	if rep.Recommendation != nil {
		md["recommendation"] = rep.Recommendation
	}
	ev, err := domain.NewAuditEvent(domain.MeasurementDataAudit, key, domain.Latest(), nil,
		domain.ActionReconcile, opts.UserID, md, e.now())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := e.audit.Append(ctx, ev); err != nil {
		return fmt.Errorf("reconcile: audit: %w", err)
	}
	return nil
}

// Compare is the pure comparison behind Reconcile. External points outside r
// are ignored.
func (e *Engine) Compare(cached, external []domain.MarketPoint, r domain.TimeRange) Report {
	rep := Report{Range: r}

	ext := make(map[int64]domain.MarketPoint, len(external))
	for _, p := range external {
		if r.Contains(p.Timestamp) {
			ext[p.Timestamp.UnixNano()] = p
		}
	}
	seen := make(map[int64]bool, len(cached))
	var priceDiffs []float64
	for _, c := range cached {
		ts := c.Timestamp.UnixNano()
		seen[ts] = true
		x, ok := ext[ts]
		if !ok {
			rep.MissingInExternal = append(rep.MissingInExternal, c.Timestamp)
			continue
		}
		rep.Compared++
		d, ok := e.discrepancy(c, x)
		if !ok {
			continue
		}
		for _, fd := range d.Fields {
			if fd.Field.IsPrice() {
				priceDiffs = append(priceDiffs, fd.PctDiff)
			}
		}
		rep.MaxSeverity = math.Max(rep.MaxSeverity, d.Severity)
		rep.Discrepancies = append(rep.Discrepancies, d)
	}
	for ts, x := range ext {
		if !seen[ts] {
			rep.MissingInCached = append(rep.MissingInCached, x.Timestamp)
		}
	}

	sort.Slice(rep.Discrepancies, func(i, j int) bool {
		return rep.Discrepancies[i].Timestamp.Before(rep.Discrepancies[j].Timestamp)
	})
	sortTimes(rep.MissingInCached)
	sortTimes(rep.MissingInExternal)

	if len(priceDiffs) > 0 {
		ref := rep.Discrepancies[len(rep.Discrepancies)-1].Timestamp
		rep.Recommendation = recommend(priceDiffs, ref)
	}
	return rep
}

func (e *Engine) discrepancy(c, x domain.MarketPoint) (Discrepancy, bool) {
	d := Discrepancy{Timestamp: c.Timestamp}
	var weighted, weights float64
	for _, f := range domain.AllFields {
		pct := percentDiff(c.Get(f), x.Get(f))
		tol := e.cfg.PriceTolerancePct
		if f == domain.FieldVolume {
			tol = e.cfg.VolumeTolerancePct
		}
		if math.Abs(pct) < tol {
			continue
		}
		d.Fields = append(d.Fields, FieldDiscrepancy{Field: f, Cached: c.Get(f), External: x.Get(f), PctDiff: pct})
		w := e.cfg.Weights[f]
		weighted += w * math.Abs(pct)
		weights += w
	}
	if len(d.Fields) == 0 {
		return Discrepancy{}, false
	}
	if weights > 0 {
		d.Severity = math.Min(1, weighted/weights/100)
	}
	return d, true
}

// percentDiff is (external-cached)/cached in percent. A zero cached value
// against a non-zero external one counts as a 100% difference.
func percentDiff(cached, external float64) float64 {
	if cached == 0 {
		if external == 0 {
			return 0
		}
		return 100
	}
	return (external - cached) / cached * 100
}

func recommend(diffs []float64, ref time.Time) *Recommendation {
	median := medianOf(diffs)
	mean, std := meanStd(diffs)
	// Diffs centred on zero carry no systematic direction.
	cv := 0.9
	if mean != 0 {
		cv = std / math.Abs(mean)
	}
	conf := 0.9 - math.Min(cv, 0.9)

	rec := &Recommendation{
		MedianPctDiff: median,
		CV:            cv,
		ReferenceDate: ref,
		Factor:        1 + median/100,
		Confidence:    conf,
	}
	switch {
	case median < -30 && conf > 0.7 && 100+median > 0:
		ratio := math.Round(100 / (100 + median))
		rec.Type = domain.AdjustmentSplit
		rec.Factor = ratio
		rec.SplitRatio = fmt.Sprintf("%d:1", int(ratio))
	case math.Abs(median) < 15 && conf > 0.7:
		if median < 0 {
			rec.Type = domain.AdjustmentDividend
		} else {
			rec.Type = domain.AdjustmentCorrection
		}
	default:
		rec.Type = domain.AdjustmentUnknown
		rec.Confidence = conf * 0.8
	}
	return rec
}

func medianOf(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func meanStd(vals []float64) (float64, float64) {
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(vals)))
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}
