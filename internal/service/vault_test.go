package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/anomaly"
	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/notify"
	"github.com/cdandre2010/ohlcvault/internal/reconcile"
	"github.com/cdandre2010/ohlcvault/internal/store/memory"
	"github.com/cdandre2010/ohlcvault/internal/version"
)

var (
	key = domain.SeriesKey{Instrument: "X", Timeframe: "1h"}
	t0  = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

type titles struct{ got []string }

func (s *titles) Send(_ context.Context, title, _ string) error {
	s.got = append(s.got, title)
	return nil
}

func (s *titles) Name() string { return "test" }

type harness struct {
	mem    *memory.Store
	bus    *memory.Bus
	sender *titles
	vault  *Vault
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := memory.New()
	bus := memory.NewBus()
	versions := version.New(version.Deps{
		Gateway:   mem,
		Audit:     mem,
		Snapshots: mem.Snapshots(),
		Purger:    mem,
		Locks:     memory.NewLockManager(),
	}, version.DefaultConfig(), logger)
	applier := adjust.New(mem, versions, mem, mem.Snapshots(), logger)
	sender := &titles{}
	v := NewVault(Deps{
		Versions:   versions,
		Detector:   anomaly.NewDetector(anomaly.DefaultConfig(), logger),
		Reconciler: reconcile.New(mem, mem, applier, reconcile.DefaultConfig(), logger),
		Applier:    applier,
		Audit:      mem,
		Bus:        bus,
		Notifier:   notify.NewNotifier([]notify.Sender{sender}, nil, 0.8, logger),
	}, logger)
	return &harness{mem: mem, bus: bus, sender: sender, vault: v}
}

// seedSplit writes 30 hourly bars with a halving and 3x volume at hour 20.
func (h *harness) seedSplit(t *testing.T) domain.TimeRange {
	t.Helper()
	pts := make([]domain.MarketPoint, 30)
	for i := range pts {
		price, vol := 100.0, 1000.0
		if i >= 20 {
			price = 50
		}
		if i == 20 {
			vol = 3000
		}
		pts[i] = domain.MarketPoint{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price, Volume: vol,
		}
	}
	require.NoError(t, h.mem.Write(context.Background(), key, domain.Latest(), nil, pts))
	return domain.TimeRange{Start: t0, End: t0.Add(29 * time.Hour)}
}

func TestScanAnomaliesRecordsPublishesAndAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	r := h.seedSplit(t)
	sub, err := h.bus.Subscribe(ctx, domain.ChannelAnomalies)
	require.NoError(t, err)

	res, err := h.vault.ScanAnomalies(ctx, key, ScanRequest{Range: r, Version: domain.Latest(), UserID: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, 30, res.PointCount)
	assert.Equal(t, 1, res.ByType[domain.AnomalySplit])

	events, err := h.mem.List(ctx, key, domain.AuditFilter{Action: domain.ActionAnomalyScan})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "analyst", events[0].UserID)

	select {
	case msg := <-sub:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, domain.ActionAnomalyScan, ev.Type)
		assert.Equal(t, key, ev.SeriesKey)
	case <-time.After(time.Second):
		t.Fatal("no anomaly event published")
	}
	assert.Contains(t, h.sender.got, "Possible split detected")
}

func TestScanAnomaliesCleanSeriesStillAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.seedSplit(t)

	res, err := h.vault.ScanAnomalies(ctx, key, ScanRequest{
		Range: domain.TimeRange{Start: r.Start, End: r.Start.Add(10 * time.Hour)},
		Types: []domain.AnomalyType{domain.AnomalySplit},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Empty(t, h.sender.got)

	events, err := h.mem.List(ctx, key, domain.AuditFilter{Action: domain.ActionAnomalyScan})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestScanAnomaliesUnknownVersion(t *testing.T) {
	h := newHarness(t)
	r := h.seedSplit(t)
	_, err := h.vault.ScanAnomalies(context.Background(), key, ScanRequest{Range: r, Version: domain.SnapshotVersion("nope")})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyAdjustmentAnnounces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedSplit(t)

	res, err := h.vault.ApplyAdjustment(ctx, domain.AdjustmentRequest{
		SeriesKey:     key,
		Type:          domain.AdjustmentSplit,
		Factor:        2,
		ReferenceDate: t0.Add(19 * time.Hour),
		Source:        "manual",
		UserID:        "ops",
	})
	require.NoError(t, err)

	msgs, err := h.bus.StreamRead(ctx, domain.StreamAudit, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, "create_split_adjustment", ev.Type)
	require.NotNil(t, ev.Version)
	assert.Equal(t, res.Version, *ev.Version)
	assert.Equal(t, []string{"split adjustment applied"}, h.sender.got)
}

func TestVerifySnapshotAlertsOnTamper(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.seedSplit(t)

	meta, err := h.vault.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: domain.PurposeBacktest})
	require.NoError(t, err)
	_, err = h.vault.VerifySnapshot(ctx, key, meta.SnapshotID)
	require.NoError(t, err)
	assert.Empty(t, h.sender.got)

	require.NoError(t, h.mem.Delete(ctx, key, meta.Version(), domain.TimeRange{Start: t0, End: t0}))
	_, err = h.vault.VerifySnapshot(ctx, key, meta.SnapshotID)
	require.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Equal(t, []string{"Snapshot integrity failure"}, h.sender.got)
}

func TestApplyRetentionDryRunIsQuiet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.seedSplit(t)
	_, err := h.vault.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{Purpose: domain.PurposeBacktest})
	require.NoError(t, err)

	rep, err := h.vault.ApplyRetention(ctx, domain.RetentionPolicy{MaxAgeDays: 30}, nil, true, "cron")
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Examined)

	msgs, err := h.bus.StreamRead(ctx, domain.StreamAudit, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the snapshot event")

	_, err = h.vault.ApplyRetention(ctx, domain.RetentionPolicy{}, nil, false, "cron")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconcileThroughVault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.seedSplit(t)
	ext, err := h.mem.Query(ctx, key, domain.Latest(), r)
	require.NoError(t, err)

	rep, err := h.vault.Reconcile(ctx, key, ext, r, reconcile.Options{CreateAdjustment: true})
	require.NoError(t, err)
	assert.Empty(t, rep.Discrepancies)
	assert.Nil(t, rep.Adjustment)
	assert.Empty(t, h.sender.got)
}
