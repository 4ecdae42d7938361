package adjust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/store/memory"
	"github.com/cdandre2010/ohlcvault/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	key = domain.SeriesKey{Instrument: "MSFT", Timeframe: "1d"}
	t0  = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

// failingWrites rejects writes to adjustment versions.
type failingWrites struct {
	domain.Gateway
}

func (g failingWrites) Write(ctx context.Context, k domain.SeriesKey, v domain.Version, tags map[string]string, pts []domain.MarketPoint) error {
	if v.Kind == domain.VersionAdjustment {
		return errors.New("backend rejected write")
	}
	return g.Gateway.Write(ctx, k, v, tags, pts)
}

type harness struct {
	mem     *memory.Store
	applier *Applier
}

func newHarness(t *testing.T, gw func(domain.Gateway) domain.Gateway) *harness {
	t.Helper()
	mem := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var g domain.Gateway = mem
	if gw != nil {
		g = gw(mem)
	}
	vs := version.New(version.Deps{
		Gateway:   g,
		Audit:     mem,
		Snapshots: mem.Snapshots(),
		Purger:    mem,
		Locks:     memory.NewLockManager(),
	}, version.DefaultConfig(), logger)
	a := New(g, vs, mem, mem.Snapshots(), logger)
	a.now = func() time.Time { return t0.AddDate(0, 0, 10) }
	return &harness{mem: mem, applier: a}
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	pts := []domain.MarketPoint{
		{Timestamp: t0, Open: 100, High: 110, Low: 90, Close: 104, Volume: 1000},
		{Timestamp: t0.AddDate(0, 0, 1), Open: 104, High: 108, Low: 100, Close: 106, Volume: 1200},
		{Timestamp: t0.AddDate(0, 0, 5), Open: 106, High: 107, Low: 101, Close: 102, Volume: 900},
	}
	require.NoError(t, h.mem.Write(context.Background(), key, domain.Latest(), nil, pts))
}

func TestApplySplitRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t)

	res, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey:     key,
		Type:          domain.AdjustmentSplit,
		Factor:        2,
		ReferenceDate: t0.AddDate(0, 0, 1),
		Source:        "manual",
		UserID:        "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VersionAdjustment, res.Version.Kind)
	assert.Equal(t, 2, res.PointCount)
	assert.Equal(t, domain.AdjustmentSplit.DefaultFields(), res.Record.AffectedFields)

	adjusted, err := h.mem.Query(ctx, key, res.Version, domain.AllTime())
	require.NoError(t, err)
	require.Len(t, adjusted, 2)
	assert.Equal(t, 50.0, adjusted[0].Open)
	assert.Equal(t, 52.0, adjusted[0].Close)
	assert.Equal(t, 2000.0, adjusted[0].Volume)
	require.NotNil(t, adjusted[0].AdjustmentFactor)
	assert.Equal(t, 2.0, *adjusted[0].AdjustmentFactor)

	latest, err := h.mem.Query(ctx, key, domain.Latest(), domain.AllTime())
	require.NoError(t, err)
	assert.Equal(t, 100.0, latest[0].Open)
	assert.Equal(t, 1000.0, latest[0].Volume)
	assert.Nil(t, latest[0].AdjustmentFactor)

	meta, err := h.mem.Get(ctx, key, res.PreAdjustmentSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurposePreAdjustment, meta.Purpose)
	assert.Equal(t, "split", meta.Tags["adjustment_type"])
	assert.Equal(t, "2", meta.Tags["factor"])

	tags, err := h.mem.Tags(ctx, key, res.Version)
	require.NoError(t, err)
	assert.Equal(t, "split", tags["adjustment_type"])

	evs, err := h.mem.List(ctx, key, domain.AuditFilter{Action: "create_split_adjustment"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].RelatedVersion)
	assert.Equal(t, meta.Version(), *evs[0].RelatedVersion)
}

func TestApplyDividendLeavesVolume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t)

	res, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentDividend, Factor: 0.98, ReferenceDate: t0.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	adjusted, err := h.mem.Query(ctx, key, res.Version, domain.AllTime())
	require.NoError(t, err)
	require.Len(t, adjusted, 3)
	assert.InDelta(t, 98.0, adjusted[0].Open, 1e-9)
	assert.Equal(t, 1000.0, adjusted[0].Volume)
}

func TestApplyNoData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 2, ReferenceDate: t0,
	})
	assert.ErrorIs(t, err, domain.ErrNoData)

	snaps, err := h.mem.ListSnapshots(ctx, &key)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestApplyValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	bad := []domain.AdjustmentRequest{
		{SeriesKey: key, Type: "spinoff", Factor: 2, ReferenceDate: t0},
		{SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 0, ReferenceDate: t0},
		{SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 2},
		{SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 2, ReferenceDate: t0, AffectedFields: []domain.Field{"vwap"}},
	}
	for _, req := range bad {
		_, err := h.applier.Apply(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
}

func TestApplyWriteFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(g domain.Gateway) domain.Gateway { return failingWrites{g} })
	h.seed(t)

	_, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 2, ReferenceDate: t0.AddDate(0, 0, 5),
	})
	var adjErr *AdjustmentError
	require.ErrorAs(t, err, &adjErr)
	assert.Equal(t, StageWrite, adjErr.Stage)
	require.NotEmpty(t, adjErr.SnapshotID)

	meta, err := h.mem.Get(ctx, key, adjErr.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.PointCount)

	versions, err := h.mem.ListVersions(ctx, key)
	require.NoError(t, err)
	for _, v := range versions {
		assert.NotEqual(t, domain.VersionAdjustment, v.Kind)
	}

	recs, err := h.applier.ListAdjustments(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.AdjustmentFailed, recs[0].Status)
	assert.Equal(t, adjErr.SnapshotID, recs[0].PreAdjustmentSnapshotID)
	assert.Contains(t, recs[0].Error, "backend rejected write")

	evs, err := h.mem.List(ctx, key, domain.AuditFilter{Action: "create_split_adjustment"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Nil(t, evs[0].RelatedVersion, "failed adjustments stay out of lineage")
}

func TestApplyTwiceInOneSecondKeepsFirstVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t)

	req := domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentDividend, Factor: 0.98, ReferenceDate: t0.AddDate(0, 0, 30),
	}
	first, err := h.applier.Apply(ctx, req)
	require.NoError(t, err)
	before, err := h.mem.Query(ctx, key, first.Version, domain.AllTime())
	require.NoError(t, err)

	req.Factor = 0.5
	second, err := h.applier.Apply(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Version.String(), second.Version.String())
	assert.Equal(t, first.Version.CreatedAt, second.Version.CreatedAt)

	after, err := h.mem.Query(ctx, key, first.Version, domain.AllTime())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.NotNil(t, after[0].AdjustmentFactor)
	assert.Equal(t, 0.98, *after[0].AdjustmentFactor)
}

// movingLatest rewrites latest right after the first read of it.
type movingLatest struct {
	domain.Gateway
	moved atomic.Bool
}

func (g *movingLatest) Query(ctx context.Context, k domain.SeriesKey, v domain.Version, r domain.TimeRange) ([]domain.MarketPoint, error) {
	pts, err := g.Gateway.Query(ctx, k, v, r)
	if err == nil && v.IsLatest() && g.moved.CompareAndSwap(false, true) {
		err = g.Gateway.Write(ctx, k, v, nil, []domain.MarketPoint{
			{Timestamp: t0, Open: 400, High: 520, Low: 380, Close: 500, Volume: 1000},
		})
	}
	return pts, err
}

func TestApplyTransformsSnapshotBars(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(g domain.Gateway) domain.Gateway { return &movingLatest{Gateway: g} })
	h.seed(t)

	res, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentSplit, Factor: 2, ReferenceDate: t0.AddDate(0, 0, 5),
	})
	require.NoError(t, err)

	frozen, err := h.mem.Query(ctx, key, domain.SnapshotVersion(res.PreAdjustmentSnapshotID), domain.AllTime())
	require.NoError(t, err)
	require.Equal(t, 500.0, frozen[0].Close)

	adjusted, err := h.mem.Query(ctx, key, res.Version, domain.AllTime())
	require.NoError(t, err)
	require.Len(t, adjusted, len(frozen))
	assert.Equal(t, Transform(frozen, domain.AdjustmentSplit, 2, domain.AdjustmentSplit.DefaultFields()), adjusted)
	assert.Equal(t, 250.0, adjusted[0].Close)
}

func TestListAdjustments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t)
	res, err := h.applier.Apply(ctx, domain.AdjustmentRequest{
		SeriesKey: key, Type: domain.AdjustmentCorrection, Factor: 1.01, ReferenceDate: t0.AddDate(0, 0, 5), Confidence: 0.85,
	})
	require.NoError(t, err)

	recs, err := h.applier.ListAdjustments(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.Version, recs[0].ProducedVersion)
	assert.Equal(t, 0.85, recs[0].Confidence)
	assert.Equal(t, res.PreAdjustmentSnapshotID, recs[0].PreAdjustmentSnapshotID)
}

func TestTransformHonoursAffectedFields(t *testing.T) {
	p := []domain.MarketPoint{{Open: 10, High: 12, Low: 8, Close: 11, Volume: 100}}
	out := Transform(p, domain.AdjustmentSplit, 2, []domain.Field{domain.FieldClose})
	assert.Equal(t, 5.5, out[0].Close)
	assert.Equal(t, 10.0, out[0].Open)
	assert.Equal(t, 100.0, out[0].Volume)
	assert.Nil(t, p[0].AdjustmentFactor)
}
