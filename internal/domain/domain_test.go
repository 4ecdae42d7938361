package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		tag  string
		want Version
	}{
		{"latest", Latest()},
		{"snapshot_4f1c", SnapshotVersion("4f1c")},
		{"adj_split_20240305143000_9c2e71aa", AdjustmentVersion(AdjustmentSplit, ts, "9c2e71aa")},
		{"adj_dividend_20240305143000_01ab", AdjustmentVersion(AdjustmentDividend, ts, "01ab")},
		{"adj_split_20240305143000", AdjustmentVersion(AdjustmentSplit, ts, "")},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseVersion(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.tag, got.String())
		})
	}
}

func TestParseVersionRejects(t *testing.T) {
	for _, tag := range []string{"", "head", "snapshot_", "adj_split", "adj_split_notatime", "adj_bogus_20240305143000", "adj_split_20240305143000_", "adj_split_20240305143000_a_b"} {
		_, err := ParseVersion(tag)
		assert.ErrorIs(t, err, ErrValidation, tag)
	}
}

func TestAdjustmentVersionsDifferByNonce(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	a := AdjustmentVersion(AdjustmentDividend, ts, "aaaa")
	b := AdjustmentVersion(AdjustmentDividend, ts.Add(300*time.Millisecond), "bbbb")
	assert.NotEqual(t, a.String(), b.String())
}

func TestVersionJSON(t *testing.T) {
	type wrapper struct {
		V Version `json:"v"`
	}
	raw, err := json.Marshal(wrapper{V: SnapshotVersion("abc")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"snapshot_abc"}`, string(raw))

	var back wrapper
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, SnapshotVersion("abc"), back.V)
}

func TestTimeframeMinutes(t *testing.T) {
	tests := map[Timeframe]int{"1m": 1, "15m": 15, "1h": 60, "4h": 240, "1d": 1440, "1w": 10080}
	for tf, want := range tests {
		got, err := tf.Minutes()
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}
	for _, bad := range []Timeframe{"", "h", "0h", "-1d", "1y", "xm"} {
		_, err := bad.Minutes()
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestApplyLookback(t *testing.T) {
	r := TimeRange{Start: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)}
	tests := []struct {
		expr  string
		start time.Time
	}{
		{"", r.Start},
		{"10D", time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)},
		{"2w", time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)},
		{"1M", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"1Y", time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ApplyLookback(r, tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.start, got.Start, tt.expr)
		assert.Equal(t, r.End, got.End)
	}
	for _, bad := range []string{"10Q", "D", "xD", "-3D"} {
		_, err := ApplyLookback(r, bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestMarketPointValidate(t *testing.T) {
	ok := MarketPoint{Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	assert.NoError(t, ok.Validate())

	badHigh := ok
	badHigh.High = 10.5
	assert.ErrorIs(t, badHigh.Validate(), ErrValidation)

	negative := ok
	negative.Volume = -1
	assert.ErrorIs(t, negative.Validate(), ErrValidation)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("x: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("x: %w", ErrNoData), KindNoData},
		{fmt.Errorf("x: %w", ErrValidation), KindValidation},
		{fmt.Errorf("x: %w", ErrTransient), KindTransient},
		{fmt.Errorf("x: %w", ErrIntegrity), KindIntegrity},
		{fmt.Errorf("x: %w", ErrLockHeld), KindConflict},
		{fmt.Errorf("x: %w", context.Canceled), KindCancelled},
		{fmt.Errorf("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), tt.err.Error())
	}
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrTransient)))
	assert.False(t, Retryable(fmt.Errorf("x: %w", ErrValidation)))
}

func TestAuditEventMetadata(t *testing.T) {
	ev, err := NewAuditEvent(MeasurementVersionAudit, SeriesKey{"X", "1h"}, Latest(), nil,
		ActionTagVersion, "u", TagAuditMetadata{Name: "a", Value: "b"}, time.Now())
	require.NoError(t, err)

	var md TagAuditMetadata
	require.NoError(t, ev.DecodeMetadata(&md))
	assert.Equal(t, "a", md.Name)
	assert.Equal(t, "create_split_adjustment", AdjustmentAction(AdjustmentSplit))
}
