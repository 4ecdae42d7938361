package version

import (
	"context"
	"errors"
	"fmt"
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
	key = domain.SeriesKey{Instrument: "AAPL", Timeframe: "1d"}
	t0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	mem   *memory.Store
	locks *memory.LockManager
	store *Store
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: memory.New(), locks: memory.NewLockManager(), clock: t0.AddDate(0, 1, 0)}
	f.store = New(Deps{
		Gateway:   f.mem,
		Audit:     f.mem,
		Snapshots: f.mem.Snapshots(),
		Purger:    f.mem,
		Locks:     f.locks,
	}, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.store.now = func() time.Time { return f.clock }
	return f
}

func days(n int) []domain.MarketPoint {
	pts := make([]domain.MarketPoint, n)
	for i := range pts {
		c := 100 + float64(i)
		pts[i] = domain.MarketPoint{
			Timestamp: t0.AddDate(0, 0, i),
			Open:      c, High: c + 2, Low: c - 2, Close: c + 1, Volume: 1000,
		}
	}
	return pts
}

func (f *fixture) seed(t *testing.T, n int) domain.TimeRange {
	t.Helper()
	require.NoError(t, f.mem.Write(context.Background(), key, domain.Latest(), nil, days(n)))
	return domain.TimeRange{Start: t0, End: t0.AddDate(0, 0, n-1)}
}

func TestCreateSnapshotDeterministicHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 10)
	req := domain.SnapshotRequest{Purpose: domain.PurposeBacktest, CreatedBy: "alice"}

	a, err := f.store.CreateSnapshot(ctx, key, r, req)
	require.NoError(t, err)
	b, err := f.store.CreateSnapshot(ctx, key, r, req)
	require.NoError(t, err)

	assert.NotEqual(t, a.SnapshotID, b.SnapshotID)
	assert.Equal(t, a.DataHash, b.DataHash)
	assert.Equal(t, 10, a.PointCount)
	assert.Equal(t, t0, a.StartDate)
	assert.Equal(t, []string{"latest"}, a.SourceVersions)

	latest, err := f.mem.Query(ctx, key, domain.Latest(), domain.AllTime())
	require.NoError(t, err)
	assert.Equal(t, days(10), latest)

	evs, err := f.mem.List(ctx, key, domain.AuditFilter{Action: domain.ActionCreateSnapshot})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	var md domain.SnapshotAuditMetadata
	require.NoError(t, evs[0].DecodeMetadata(&md))
	assert.Equal(t, a.DataHash, md.DataHash)
	assert.Equal(t, 10, md.PointCount)
	require.NotNil(t, evs[0].RelatedVersion)
	assert.True(t, evs[0].RelatedVersion.IsLatest())
}

func TestCreateSnapshotNoData(t *testing.T) {
	f := newFixture(t)
	r := domain.TimeRange{Start: t0, End: t0.AddDate(0, 0, 5)}
	_, err := f.store.CreateSnapshot(context.Background(), key, r, domain.SnapshotRequest{Purpose: "manual"})
	assert.ErrorIs(t, err, domain.ErrNoData)
	assert.Equal(t, domain.KindNoData, domain.KindOf(err))
}

func TestCreateSnapshotValidation(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, 3)
	_, err := f.store.CreateSnapshot(context.Background(), key, r, domain.SnapshotRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	inverted := domain.TimeRange{Start: r.End, End: r.Start}
	_, err = f.store.CreateSnapshot(context.Background(), key, inverted, domain.SnapshotRequest{Purpose: "manual"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateSnapshotInFlightConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 3)

	unlock, err := f.locks.Acquire(ctx, snapshotLockKey(key, r, "backtest"), time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "backtest"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "manual"})
	assert.NoError(t, err)
}

type failingSave struct {
	domain.SnapshotStore
}

func (failingSave) Save(context.Context, domain.SnapshotMetadata) error {
	return fmt.Errorf("save: %w", domain.ErrTransient)
}

type failingAppend struct {
	domain.AuditStore
}

func (failingAppend) Append(context.Context, domain.AuditEvent) error {
	return fmt.Errorf("append: %w", domain.ErrTransient)
}

func TestCreateSnapshotLeavesNoPartialVersion(t *testing.T) {
	tests := []struct {
		name      string
		breakDeps func(f *fixture)
	}{
		{"metadata save fails", func(f *fixture) { f.store.deps.Snapshots = failingSave{f.mem.Snapshots()} }},
		{"audit append fails", func(f *fixture) { f.store.deps.Audit = failingAppend{f.mem} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			r := f.seed(t, 3)
			tt.breakDeps(f)

			_, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "backtest"})
			require.ErrorIs(t, err, domain.ErrTransient)

			versions, err := f.mem.ListVersions(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []domain.Version{domain.Latest()}, versions)

			metas, err := f.mem.Snapshots().List(ctx, &key)
			require.NoError(t, err)
			assert.Empty(t, metas)
		})
	}
}

func TestSnapshotImmutableAcrossLatestWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 5)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "manual"})
	require.NoError(t, err)

	before, err := f.store.ReadVersion(ctx, key, meta.Version(), r)
	require.NoError(t, err)

	changed := days(5)
	for i := range changed {
		changed[i].Close *= 2
		changed[i].High *= 2
	}
	require.NoError(t, f.mem.Write(ctx, key, domain.Latest(), nil, changed))

	after, err := f.store.ReadVersion(ctx, key, meta.Version(), r)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, ContentHash(before), ContentHash(after))

	res, err := f.store.VerifySnapshot(ctx, key, meta.SnapshotID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifySnapshotDetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 5)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "manual"})
	require.NoError(t, err)

	first := days(1)[0].Timestamp
	require.NoError(t, f.mem.Delete(ctx, key, meta.Version(), domain.TimeRange{Start: first, End: first}))
	assert.ErrorIs(t, f.mem.Write(ctx, key, meta.Version(), nil, days(1)), domain.ErrConflict)

	res, err := f.store.VerifySnapshot(ctx, key, meta.SnapshotID)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.False(t, res.Valid)
	assert.NotEqual(t, res.ExpectedHash, res.ActualHash)
}

func TestContentHashIgnoresInputOrder(t *testing.T) {
	pts := days(4)
	rev := []domain.MarketPoint{pts[3], pts[2], pts[1], pts[0]}
	assert.Equal(t, ContentHash(pts), ContentHash(rev))

	pts[2].Volume++
	assert.NotEqual(t, ContentHash(pts), ContentHash(rev))
}

func TestListVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 6)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "backtest", Tags: map[string]string{"run": "7"}})
	require.NoError(t, err)

	infos, err := f.store.ListVersions(ctx, key, ListFilter{IncludeMetadata: true})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Version.IsLatest())
	snap := infos[1]
	assert.Equal(t, "snapshot", snap.Kind)
	require.NotNil(t, snap.PointCount)
	assert.Equal(t, 6, *snap.PointCount)
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, meta.SnapshotID, snap.Snapshot.SnapshotID)
	assert.Equal(t, "7", snap.Tags["run"])

	bare, err := f.store.ListVersions(ctx, key, ListFilter{})
	require.NoError(t, err)
	assert.Nil(t, bare[1].PointCount)
	assert.Nil(t, bare[1].Snapshot)

	byPurpose, err := f.store.ListVersions(ctx, key, ListFilter{Purpose: "manual"})
	require.NoError(t, err)
	assert.Empty(t, byPurpose)

	kind := domain.VersionSnapshot
	byKind, err := f.store.ListVersions(ctx, key, ListFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Len(t, byKind, 1)
}

func TestCompareVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 3)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "manual"})
	require.NoError(t, err)

	pts := days(4)
	pts[1].Close = 0
	pts[2].Volume = 1500
	require.NoError(t, f.mem.Write(ctx, key, domain.Latest(), nil, pts[1:]))
	require.NoError(t, f.mem.Delete(ctx, key, domain.Latest(), domain.TimeRange{Start: t0, End: t0}))

	wide := domain.TimeRange{Start: t0, End: t0.AddDate(0, 0, 3)}
	d, err := f.store.CompareVersions(ctx, key, domain.Latest(), meta.Version(), wide)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{t0.AddDate(0, 0, 3)}, d.OnlyInV1)
	assert.Equal(t, []time.Time{t0}, d.OnlyInV2)
	require.Len(t, d.Shared, 2)
	assert.Equal(t, 2, d.ChangedCount)
	assert.False(t, d.Identical())

	closeDiff := d.Shared[0].Fields[3]
	require.Equal(t, domain.FieldClose, closeDiff.Field)
	assert.Nil(t, closeDiff.PctChange, "zero base must not produce a percentage")

	volDiff := d.Shared[1].Fields[4]
	require.NotNil(t, volDiff.PctChange)
	assert.InDelta(t, -33.333, *volDiff.PctChange, 0.001)
}

func TestCompareVersionsUnknownVersion(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, 3)
	_, err := f.store.CompareVersions(context.Background(), key, domain.Latest(), domain.SnapshotVersion("nope"), r)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTagVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 3)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: "manual"})
	require.NoError(t, err)

	require.NoError(t, f.store.TagVersion(ctx, key, meta.Version(), "keep", "yes", "bob"))
	tags, err := f.mem.Tags(ctx, key, meta.Version())
	require.NoError(t, err)
	assert.Equal(t, "yes", tags["keep"])

	evs, err := f.mem.List(ctx, key, domain.AuditFilter{Action: domain.ActionTagVersion})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "bob", evs[0].UserID)

	err = f.store.TagVersion(ctx, key, domain.SnapshotVersion("missing"), "keep", "yes", "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.store.TagVersion(ctx, key, meta.Version(), "", "x", "bob"), domain.ErrValidation)
}

func TestVersionLineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 3)
	meta, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: domain.PurposePreAdjustment})
	require.NoError(t, err)

	adj := domain.AdjustmentVersion(domain.AdjustmentSplit, f.clock, "7d3a")
	snap := meta.Version()
	// Appended with an earlier timestamp than the snapshot event to show
	// the walk follows links, not arrival order.
	ev, err := domain.NewAuditEvent(domain.MeasurementDataAdjustments, key, adj, &snap,
		domain.AdjustmentAction(domain.AdjustmentSplit), "carol", nil, f.clock.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.mem.Append(ctx, ev))

	lin, err := f.store.GetVersionLineage(ctx, key, snap, 0)
	require.NoError(t, err)
	require.Len(t, lin.Parents, 1)
	assert.True(t, lin.Parents[0].Version.IsLatest())
	require.Len(t, lin.Children, 1)
	assert.Equal(t, adj, lin.Children[0].Version)
	require.NotNil(t, lin.Snapshot)
	assert.Equal(t, meta.SnapshotID, lin.Snapshot.SnapshotID)

	fromLatest, err := f.store.GetVersionLineage(ctx, key, domain.Latest(), 5)
	require.NoError(t, err)
	require.Len(t, fromLatest.Descendants, 2)
	assert.Equal(t, 1, fromLatest.Descendants[0].Depth)
	assert.Equal(t, 2, fromLatest.Descendants[1].Depth)
	assert.Equal(t, adj, fromLatest.Descendants[1].Version)

	shallow, err := f.store.GetVersionLineage(ctx, key, domain.Latest(), 1)
	require.NoError(t, err)
	assert.Len(t, shallow.Descendants, 1)

	_, err = f.store.GetVersionLineage(ctx, key, domain.SnapshotVersion("ghost"), 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// retentionFixture creates snapshots aged 100, 50 and 10 days with assorted
// purposes and tags.
func retentionFixture(t *testing.T) (*fixture, map[string]string) {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t)
	r := f.seed(t, 3)
	base := f.clock
	ids := map[string]string{}

	mk := func(name string, ageDays int, purpose string, tags map[string]string) {
		f.clock = base.AddDate(0, 0, -ageDays)
		m, err := f.store.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: purpose, Tags: tags})
		require.NoError(t, err)
		ids[name] = m.SnapshotID
	}
	mk("old", 100, "backtest", nil)
	mk("old-exempt-purpose", 100, "audit", nil)
	mk("old-exempt-tag", 90, "backtest", map[string]string{"pin": "true"})
	mk("mid", 50, "manual", nil)
	mk("young", 10, "backtest", nil)
	f.clock = base
	return f, ids
}

func TestRetentionDryRunMatchesLive(t *testing.T) {
	ctx := context.Background()
	policy := domain.RetentionPolicy{MaxAgeDays: 30, ExemptPurposes: []string{"audit"}, ExemptTags: []string{"pin=true"}}

	f, ids := retentionFixture(t)
	dry, err := f.store.ApplyRetentionPolicy(ctx, policy, nil, true, "system")
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 5, dry.Examined)
	assert.Empty(t, dry.Deleted)

	var dryIDs []string
	for _, c := range dry.Candidates {
		dryIDs = append(dryIDs, c.SnapshotID)
	}
	assert.ElementsMatch(t, []string{ids["old"], ids["mid"]}, dryIDs)

	live, err := f.store.ApplyRetentionPolicy(ctx, policy, &key, false, "system")
	require.NoError(t, err)
	assert.Equal(t, dry.Candidates, live.Candidates)
	assert.Equal(t, dry.Candidates, live.Deleted)
	assert.Empty(t, live.Failures)

	_, err = f.store.GetSnapshot(ctx, key, ids["old"])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.GetSnapshot(ctx, key, ids["young"])
	assert.NoError(t, err)

	dels, err := f.mem.List(ctx, key, domain.AuditFilter{Action: domain.ActionDeleteSnapshot})
	require.NoError(t, err)
	assert.Len(t, dels, 2)

	again, err := f.store.ApplyRetentionPolicy(ctx, policy, nil, true, "system")
	require.NoError(t, err)
	assert.Empty(t, again.Candidates)
}

type flakyPurger struct {
	next domain.Purger
	fail string
}

func (p flakyPurger) PurgeSnapshot(ctx context.Context, key domain.SeriesKey, id string, ev domain.AuditEvent) error {
	if id == p.fail {
		return fmt.Errorf("purge %s: %w", id, domain.ErrTransient)
	}
	return p.next.PurgeSnapshot(ctx, key, id, ev)
}

func TestRetentionCollectsFailures(t *testing.T) {
	ctx := context.Background()
	f, ids := retentionFixture(t)
	f.store.deps.Purger = flakyPurger{next: f.mem, fail: ids["old"]}

	rep, err := f.store.ApplyRetentionPolicy(ctx, domain.RetentionPolicy{MaxAgeDays: 30}, nil, false, "system")
	require.NoError(t, err)
	assert.Len(t, rep.Candidates, 4)
	assert.Len(t, rep.Deleted, 3)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, ids["old"], rep.Failures[0].Candidate.SnapshotID)

	_, err = f.store.GetSnapshot(ctx, key, ids["old"])
	assert.NoError(t, err)
}

type recordingArchiver struct {
	paths []string
	err   error
}

func (a *recordingArchiver) ArchiveSnapshot(_ context.Context, meta domain.SnapshotMetadata, points []domain.MarketPoint) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	p := fmt.Sprintf("archive/%s/%d", meta.SnapshotID, len(points))
	a.paths = append(a.paths, p)
	return p, nil
}

func TestRetentionArchivesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	f, ids := retentionFixture(t)
	arch := &recordingArchiver{}
	f.store.deps.Archiver = arch

	rep, err := f.store.ApplyRetentionPolicy(ctx, domain.RetentionPolicy{MaxAgeDays: 60}, nil, false, "system")
	require.NoError(t, err)
	require.Len(t, rep.Deleted, 3)
	assert.Equal(t, arch.paths, rep.Archived)
	assert.Contains(t, rep.Archived, fmt.Sprintf("archive/%s/3", ids["old"]))

	f2, ids2 := retentionFixture(t)
	f2.store.deps.Archiver = &recordingArchiver{err: errors.New("bucket gone")}
	rep, err = f2.store.ApplyRetentionPolicy(ctx, domain.RetentionPolicy{MaxAgeDays: 60}, nil, false, "system")
	require.NoError(t, err)
	assert.Empty(t, rep.Deleted)
	assert.Len(t, rep.Failures, 3)
	_, err = f2.store.GetSnapshot(ctx, key, ids2["old"])
	assert.NoError(t, err)
}

func TestRetentionCancelledBetweenCandidates(t *testing.T) {
	f, _ := retentionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.store.ApplyRetentionPolicy(ctx, domain.RetentionPolicy{MaxAgeDays: 30}, nil, false, "system")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetentionRejectsBadPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.ApplyRetentionPolicy(context.Background(), domain.RetentionPolicy{}, nil, true, "system")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
