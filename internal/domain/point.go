package domain

import (
	"fmt"
	"sort"
	"time"
)

// Field names an OHLCV column.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// PriceFields are the OHLC columns in canonical order.
var PriceFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose}

// AllFields are the OHLCV columns in canonical order.
var AllFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// IsPrice reports whether f is one of the OHLC columns.
func (f Field) IsPrice() bool {
	return f == FieldOpen || f == FieldHigh || f == FieldLow || f == FieldClose
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume:
		return f, nil
	}
	return "", fmt.Errorf("unknown field %q: %w", s, ErrValidation)
}

// MarketPoint is a single OHLCV bar.
type MarketPoint struct {
	Timestamp        time.Time `json:"timestamp"`
	Open             float64   `json:"open"`
	High             float64   `json:"high"`
	Low              float64   `json:"low"`
	Close            float64   `json:"close"`
	Volume           float64   `json:"volume"`
	AdjustmentFactor *float64  `json:"adjustment_factor,omitempty"`
	SourceID         string    `json:"source_id,omitempty"`
}

// Get returns the value of field f.
func (p MarketPoint) Get(f Field) float64 {
	switch f {
	case FieldOpen:
		return p.Open
	case FieldHigh:
		return p.High
	case FieldLow:
		return p.Low
	case FieldClose:
		return p.Close
	case FieldVolume:
		return p.Volume
	}
	return 0
}

// Set assigns v to field f.
func (p *MarketPoint) Set(f Field, v float64) {
	switch f {
	case FieldOpen:
		p.Open = v
	case FieldHigh:
		p.High = v
	case FieldLow:
		p.Low = v
	case FieldClose:
		p.Close = v
	case FieldVolume:
		p.Volume = v
	}
}

// Validate checks low <= {open, close} <= high and that no field is negative.
func (p MarketPoint) Validate() error {
	for _, f := range AllFields {
		if p.Get(f) < 0 {
			return fmt.Errorf("point %s: negative %s: %w", p.Timestamp.Format(time.RFC3339), f, ErrValidation)
		}
	}
	if p.Low > p.Open || p.Low > p.Close || p.High < p.Open || p.High < p.Close {
		return fmt.Errorf("point %s: low/high do not bound open/close: %w", p.Timestamp.Format(time.RFC3339), ErrValidation)
	}
	return nil
}

// SortPoints orders points ascending by timestamp in place.
func SortPoints(points []MarketPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}

// SeriesKey identifies a logical time series.
type SeriesKey struct {
	Instrument string    `json:"instrument"`
	Timeframe  Timeframe `json:"timeframe"`
}

// Validate checks that the instrument is set and the timeframe parses.
func (k SeriesKey) Validate() error {
	if k.Instrument == "" {
		return fmt.Errorf("series key: empty instrument: %w", ErrValidation)
	}
	if _, err := k.Timeframe.Minutes(); err != nil {
		return err
	}
	return nil
}

func (k SeriesKey) String() string {
	return k.Instrument + ":" + string(k.Timeframe)
}

// TimeRange is an inclusive [Start, End] window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects zero or inverted ranges.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range: start and end are required: %w", ErrValidation)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("time range: end %s before start %s: %w",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339), ErrValidation)
	}
	return nil
}

// Contains reports whether t lies inside the inclusive range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// AllTime is the widest range the backends accept.
func AllTime() TimeRange {
	return TimeRange{
		Start: time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
