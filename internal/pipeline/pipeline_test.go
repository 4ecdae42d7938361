package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/service"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRetention struct {
	mu     sync.Mutex
	calls  int
	dryRun bool
	user   string
	err    error
}

func (f *fakeRetention) ApplyRetention(_ context.Context, _ domain.RetentionPolicy, scope *domain.SeriesKey, dryRun bool, user string) (domain.RetentionReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.dryRun, f.user = dryRun, user
	return domain.RetentionReport{DryRun: dryRun}, f.err
}

func (f *fakeRetention) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScanner struct {
	ranges map[domain.SeriesKey]domain.TimeRange
	fail   domain.SeriesKey
}

func (f *fakeScanner) ScanAnomalies(_ context.Context, key domain.SeriesKey, req service.ScanRequest) (service.ScanResult, error) {
	if key == f.fail {
		return service.ScanResult{}, domain.ErrTransient
	}
	f.ranges[key] = req.Range
	return service.ScanResult{SeriesKey: key, PointCount: 10}, nil
}

func TestRetentionJob(t *testing.T) {
	_, err := NewRetentionJob(&fakeRetention{}, domain.RetentionPolicy{}, false, quiet())
	require.ErrorIs(t, err, domain.ErrValidation)

	f := &fakeRetention{}
	job, err := NewRetentionJob(f, domain.RetentionPolicy{MaxAgeDays: 90}, true, quiet())
	require.NoError(t, err)
	require.NoError(t, job.RunOnce(context.Background()))
	assert.True(t, f.dryRun)
	assert.Equal(t, schedulerUser, f.user)

	f.err = domain.ErrTransient
	require.ErrorIs(t, job.RunOnce(context.Background()), domain.ErrTransient)
}

func TestScanJob(t *testing.T) {
	a := domain.SeriesKey{Instrument: "AAPL", Timeframe: "1d"}
	b := domain.SeriesKey{Instrument: "MSFT", Timeframe: "1d"}
	f := &fakeScanner{ranges: map[domain.SeriesKey]domain.TimeRange{}, fail: b}

	_, err := NewScanJob(f, []domain.SeriesKey{a}, "3X", quiet())
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = NewScanJob(f, []domain.SeriesKey{{Instrument: "AAPL", Timeframe: "7q"}}, "1W", quiet())
	require.ErrorIs(t, err, domain.ErrValidation)

	job, err := NewScanJob(f, []domain.SeriesKey{a, b}, "1W", quiet())
	require.NoError(t, err)
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	err = job.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, domain.TimeRange{Start: now.AddDate(0, 0, -7), End: now}, f.ranges[a])
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(quiet())
	job, err := NewRetentionJob(&fakeRetention{}, domain.RetentionPolicy{MaxAgeDays: 1}, true, quiet())
	require.NoError(t, err)
	require.Error(t, s.Add("every tuesday", job))
	require.NoError(t, s.Add("0 3 * * *", job))
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerRunAtStartAndStop(t *testing.T) {
	f := &fakeRetention{}
	job, err := NewRetentionJob(f, domain.RetentionPolicy{MaxAgeDays: 1}, true, quiet())
	require.NoError(t, err)
	s := NewScheduler(quiet())
	require.NoError(t, s.Add("0 3 1 1 *", job))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, true) }()

	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

