package availability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	key = domain.SeriesKey{Instrument: "BTCUSD", Timeframe: "1h"}
	t0  = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func at(hours ...int) []domain.MarketPoint {
	out := make([]domain.MarketPoint, len(hours))
	for i, h := range hours {
		out[i] = domain.MarketPoint{Timestamp: t0.Add(time.Duration(h) * time.Hour), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
	}
	return out
}

func TestExpectedPointCount(t *testing.T) {
	tests := []struct {
		name string
		r    domain.TimeRange
		tf   domain.Timeframe
		want int
	}{
		{"single bar", domain.TimeRange{Start: t0, End: t0}, "1h", 1},
		{"one day hourly", domain.TimeRange{Start: t0, End: t0.Add(24 * time.Hour)}, "1h", 25},
		{"partial interval floors", domain.TimeRange{Start: t0, End: t0.Add(90 * time.Minute)}, "1h", 2},
		{"daily week", domain.TimeRange{Start: t0, End: t0.AddDate(0, 0, 7)}, "1d", 8},
		{"inverted", domain.TimeRange{Start: t0.Add(time.Hour), End: t0}, "1h", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpectedPointCount(tt.r, tt.tf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExpectedPointCount(domain.TimeRange{Start: t0, End: t0}, "1x")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMissingSegmentsSingleInnerGap(t *testing.T) {
	r := domain.TimeRange{Start: t0, End: t0.Add(3 * time.Hour)}
	segs, err := MissingSegments(at(0, 1, 3), r, "1h")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, t0.Add(time.Hour), segs[0].Start)
	assert.Equal(t, t0.Add(3*time.Hour), segs[0].End)
	assert.Equal(t, 2, segs[0].ExpectedPoints)
	assert.Equal(t, PositionInner, segs[0].Position)
}

func TestMissingSegmentsBoundaries(t *testing.T) {
	r := domain.TimeRange{Start: t0, End: t0.Add(10 * time.Hour)}
	segs, err := MissingSegments(at(7, 3, 4, 5), r, "1h")
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, PositionLeading, segs[0].Position)
	assert.Equal(t, t0, segs[0].Start)
	assert.Equal(t, 3, segs[0].ExpectedPoints)

	assert.Equal(t, PositionInner, segs[1].Position)
	assert.Equal(t, 2, segs[1].ExpectedPoints)

	assert.Equal(t, PositionTrailing, segs[2].Position)
	assert.Equal(t, t0.Add(10*time.Hour), segs[2].End)
	assert.Equal(t, 3, segs[2].ExpectedPoints)
}

func TestMissingSegmentsToleratesJitter(t *testing.T) {
	r := domain.TimeRange{Start: t0, End: t0.Add(2 * time.Hour)}
	pts := at(0, 2)
	pts = append(pts, domain.MarketPoint{Timestamp: t0.Add(80 * time.Minute)})
	segs, err := MissingSegments(pts, r, "1h")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestMissingSegmentsEmpty(t *testing.T) {
	r := domain.TimeRange{Start: t0, End: t0.Add(5 * time.Hour)}
	segs, err := MissingSegments(nil, r, "1h")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, PositionWhole, segs[0].Position)
	assert.Equal(t, 6, segs[0].ExpectedPoints)
}

func TestFindMissingSegmentsReadsVersion(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.Write(ctx, key, domain.Latest(), nil, at(0, 1, 3)))
	a := New(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))

	segs, err := a.FindMissingSegments(ctx, key, domain.TimeRange{Start: t0, End: t0.Add(3 * time.Hour)}, domain.Latest())
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	_, err = a.FindMissingSegments(ctx, key, domain.TimeRange{}, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCheckRequirements(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	pts := at(0, 1, 2, 3, 4, 5)
	for i := range pts {
		pts[i].SourceID = "binance"
		if i%2 == 0 {
			pts[i].SourceID = "kraken"
		}
	}
	require.NoError(t, mem.Write(ctx, key, domain.Latest(), nil, pts))
	a := New(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := domain.TimeRange{Start: t0.Add(2 * time.Hour), End: t0.Add(5 * time.Hour)}
	rep, err := a.CheckRequirements(ctx, key, Requirements{
		Lookback: "0D",
		Version:  domain.Latest(),
		Sources: []SourceRequirement{
			{Source: "kraken", Priority: 2, Range: r},
			{Source: "binance", Priority: 1, Range: r},
			{Source: "", Priority: 3, Range: r},
		},
	})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 3)
	assert.Equal(t, "binance", rep.Sources[0].Source)
	assert.Equal(t, 4, rep.Sources[0].Expected)
	assert.Equal(t, 2, rep.Sources[0].Actual)
	assert.InDelta(t, 50.0, rep.Sources[0].Percentage, 1e-9)
	assert.False(t, rep.Sources[0].IsComplete)

	assert.Equal(t, 4, rep.Sources[2].Actual)
	assert.True(t, rep.Sources[2].IsComplete)
	assert.Equal(t, "", rep.Overall.BestSource)
	assert.Equal(t, 100.0, rep.Overall.Percentage)
	assert.True(t, rep.Overall.IsComplete)
}

func TestCheckRequirementsLookback(t *testing.T) {
	ctx := context.Background()
	a := New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := domain.TimeRange{Start: t0, End: t0}

	rep, err := a.CheckRequirements(ctx, key, Requirements{Lookback: "1D", Sources: []SourceRequirement{{Range: r}}})
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, -1), rep.Sources[0].Range.Start)
	assert.Equal(t, 25, rep.Sources[0].Expected)
	assert.False(t, rep.Overall.IsComplete)

	_, err = a.CheckRequirements(ctx, key, Requirements{Lookback: "3Q", Sources: []SourceRequirement{{Range: r}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = a.CheckRequirements(ctx, key, Requirements{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
