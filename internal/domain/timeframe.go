package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a bar duration string such as "1m", "4h" or "1d".
type Timeframe string

// Minutes converts the timeframe to whole minutes. Supported suffixes are
// m (minutes), h (hours), d (days) and w (weeks).
func (tf Timeframe) Minutes() (int, error) {
	s := strings.TrimSpace(string(tf))
	if len(s) < 2 {
		return 0, fmt.Errorf("timeframe %q: %w", tf, ErrValidation)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("timeframe %q: bad multiplier: %w", tf, ErrValidation)
	}
	switch s[len(s)-1] {
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	case 'd':
		return n * 60 * 24, nil
	case 'w':
		return n * 60 * 24 * 7, nil
	}
	return 0, fmt.Errorf("timeframe %q: unknown suffix: %w", tf, ErrValidation)
}

// Interval returns the nominal spacing between consecutive bars.
func (tf Timeframe) Interval() (time.Duration, error) {
	m, err := tf.Minutes()
	if err != nil {
		return 0, err
	}
	return time.Duration(m) * time.Minute, nil
}

// ApplyLookback shifts the start of r backwards by a lookback expression of
// the form "<n>D", "<n>W", "<n>M" or "<n>Y".
func ApplyLookback(r TimeRange, lookback string) (TimeRange, error) {
	s := strings.ToUpper(strings.TrimSpace(lookback))
	if s == "" {
		return r, nil
	}
	if len(s) < 2 {
		return r, fmt.Errorf("lookback %q: %w", lookback, ErrValidation)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return r, fmt.Errorf("lookback %q: bad count: %w", lookback, ErrValidation)
	}
	out := r
	switch s[len(s)-1] {
	case 'D':
		out.Start = r.Start.AddDate(0, 0, -n)
	case 'W':
		out.Start = r.Start.AddDate(0, 0, -7*n)
	case 'M':
		out.Start = r.Start.AddDate(0, -n, 0)
	case 'Y':
		out.Start = r.Start.AddDate(-n, 0, 0)
	default:
		return r, fmt.Errorf("lookback %q: unknown suffix: %w", lookback, ErrValidation)
	}
	return out, nil
}
