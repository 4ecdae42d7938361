// Package availability compares expected against stored bar counts and
// locates missing segments of a series.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// gapFactor is how many nominal intervals two consecutive bars may be apart
// before the space between them counts as missing.
const gapFactor = 1.5

// Segment positions.
const (
	PositionLeading  = "leading"
	PositionInner    = "inner"
	PositionTrailing = "trailing"
	PositionWhole    = "whole"
)

// Segment is a stretch of the requested range with no bars. Start is the last
// present bar (or the range start) and End the next present bar (or the
// range end).
type Segment struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	ExpectedPoints int       `json:"expected_points"`
	Position       string    `json:"position"`
}

// Analyzer reads series through the gateway.
type Analyzer struct {
	gateway domain.Gateway
	logger  *slog.Logger
}

// New creates an Analyzer.
func New(gateway domain.Gateway, logger *slog.Logger) *Analyzer {
	return &Analyzer{gateway: gateway, logger: logger.With(slog.String("component", "availability"))}
}

// ExpectedPointCount returns floor(total_minutes / timeframe_minutes) + 1 for
// r, or 0 when r is inverted.
func ExpectedPointCount(r domain.TimeRange, tf domain.Timeframe) (int, error) {
	m, err := tf.Minutes()
	if err != nil {
		return 0, err
	}
	total := math.Floor(r.Duration().Minutes())
	if total < 0 {
		return 0, nil
	}
	return int(total)/m + 1, nil
}

// FindMissingSegments reads v over r and reports every gap wider than 1.5
// nominal intervals, including gaps at either end of r.
func (a *Analyzer) FindMissingSegments(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, v domain.Version) ([]Segment, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("availability: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("availability: %w", err)
	}
	points, err := a.gateway.Query(ctx, key, v, r)
	if err != nil {
		return nil, fmt.Errorf("availability: read %s %s: %w", key, v, err)
	}
	segs, err := MissingSegments(points, r, key.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("availability: %w", err)
	}
	if len(segs) > 0 {
		a.logger.Debug("gaps found",
			slog.String("series", key.String()),
			slog.String("version", v.String()),
			slog.Int("segments", len(segs)),
		)
	}
	return segs, nil
}

// MissingSegments is the pure gap walk behind FindMissingSegments.
func MissingSegments(points []domain.MarketPoint, r domain.TimeRange, tf domain.Timeframe) ([]Segment, error) {
	interval, err := tf.Interval()
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		n, err := ExpectedPointCount(r, tf)
		if err != nil {
			return nil, err
		}
		return []Segment{{Start: r.Start, End: r.End, ExpectedPoints: n, Position: PositionWhole}}, nil
	}

	ts := make([]time.Time, len(points))
	for i, p := range points {
		ts[i] = p.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	threshold := time.Duration(float64(interval) * gapFactor)
	missing := func(start, end time.Time, pos string) Segment {
		return Segment{Start: start, End: end, ExpectedPoints: int(end.Sub(start) / interval), Position: pos}
	}

	var out []Segment
	if first := ts[0]; first.Sub(r.Start) > threshold {
		out = append(out, missing(r.Start, first, PositionLeading))
	}
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) > threshold {
			out = append(out, missing(ts[i-1], ts[i], PositionInner))
		}
	}
	if last := ts[len(ts)-1]; r.End.Sub(last) > threshold {
		out = append(out, missing(last, r.End, PositionTrailing))
	}
	return out, nil
}

// SourceRequirement is one data source the caller can draw from. An empty
// Source counts every stored bar regardless of origin.
type SourceRequirement struct {
	Source   string           `json:"source"`
	Priority int              `json:"priority"`
	Range    domain.TimeRange `json:"range"`
}

// Requirements is the input of CheckRequirements.
type Requirements struct {
	// Lookback, when set, extends every range backwards ("30D", "1Y").
	Lookback string              `json:"lookback,omitempty"`
	Version  domain.Version      `json:"version"`
	Sources  []SourceRequirement `json:"sources"`
}

// SourceAvailability is the result for one source.
type SourceAvailability struct {
	Source     string           `json:"source"`
	Priority   int              `json:"priority"`
	Range      domain.TimeRange `json:"range"`
	Expected   int              `json:"expected"`
	Actual     int              `json:"actual"`
	Percentage float64          `json:"percentage"`
	IsComplete bool             `json:"is_complete"`
}

// Overall aggregates the sources: the best availability wins and the
// requirement is met when any source is complete.
type Overall struct {
	BestSource string  `json:"best_source"`
	Percentage float64 `json:"percentage"`
	IsComplete bool    `json:"is_complete"`
}

// Report is the output of CheckRequirements.
type Report struct {
	SeriesKey domain.SeriesKey     `json:"series_key"`
	Sources   []SourceAvailability `json:"sources"`
	Overall   Overall              `json:"overall"`
}

// CheckRequirements computes actual-vs-expected coverage per source, in
// priority order.
func (a *Analyzer) CheckRequirements(ctx context.Context, key domain.SeriesKey, req Requirements) (Report, error) {
	if err := key.Validate(); err != nil {
		return Report{}, fmt.Errorf("availability: %w", err)
	}
	if len(req.Sources) == 0 {
		return Report{}, fmt.Errorf("availability: no sources given: %w", domain.ErrValidation)
	}
	sources := append([]SourceRequirement(nil), req.Sources...)
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Priority < sources[j].Priority })

	rep := Report{SeriesKey: key}
	for _, src := range sources {
		r, err := domain.ApplyLookback(src.Range, req.Lookback)
		if err != nil {
			return Report{}, fmt.Errorf("availability: %w", err)
		}
		if err := r.Validate(); err != nil {
			return Report{}, fmt.Errorf("availability: source %q: %w", src.Source, err)
		}
		expected, err := ExpectedPointCount(r, key.Timeframe)
		if err != nil {
			return Report{}, fmt.Errorf("availability: %w", err)
		}
		points, err := a.gateway.Query(ctx, key, req.Version, r)
		if err != nil {
			return Report{}, fmt.Errorf("availability: read %s: %w", key, err)
		}
		actual := 0
		for _, p := range points {
			if src.Source == "" || p.SourceID == src.Source {
				actual++
			}
		}

		sa := SourceAvailability{
			Source:     src.Source,
			Priority:   src.Priority,
			Range:      r,
			Expected:   expected,
			Actual:     actual,
			Percentage: percentage(actual, expected),
			IsComplete: actual >= expected,
		}
		rep.Sources = append(rep.Sources, sa)
		if len(rep.Sources) == 1 || sa.Percentage > rep.Overall.Percentage {
			rep.Overall.BestSource = sa.Source
			rep.Overall.Percentage = sa.Percentage
		}
		rep.Overall.IsComplete = rep.Overall.IsComplete || sa.IsComplete
	}
	return rep, nil
}

func percentage(actual, expected int) float64 {
	if expected <= 0 {
		return 100
	}
	return math.Min(100, float64(actual)/float64(expected)*100)
}
