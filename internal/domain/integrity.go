package domain

import (
	"fmt"
	"math"
	"time"
)

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyPriceOutlier          AnomalyType = "price_outlier"
	AnomalyPriceChange           AnomalyType = "price_change"
	AnomalyVolumeSpike           AnomalyType = "volume_spike"
	AnomalyZeroVolume            AnomalyType = "zero_volume"
	AnomalyPriceGap              AnomalyType = "price_gap"
	AnomalySplit                 AnomalyType = "split"
	AnomalyDividend              AnomalyType = "dividend"
	AnomalyMerger                AnomalyType = "merger"
	AnomalyTimestampIrregularity AnomalyType = "timestamp_irregularity"
)

// Anomaly is an ephemeral analysis finding. Confidence is in [0, 1].
type Anomaly struct {
	Timestamp         time.Time          `json:"timestamp"`
	Type              AnomalyType        `json:"type"`
	Field             Field              `json:"field,omitempty"`
	Value             float64            `json:"value"`
	Confidence        float64            `json:"confidence"`
	Description       string             `json:"description"`
	SupportingMetrics map[string]float64 `json:"supporting_metrics,omitempty"`
	Attributes        map[string]string  `json:"attributes,omitempty"`
}

// AdjustmentType names a multiplicative correction.
type AdjustmentType string

const (
	AdjustmentSplit      AdjustmentType = "split"
	AdjustmentDividend   AdjustmentType = "dividend"
	AdjustmentMerger     AdjustmentType = "merger"
	AdjustmentCorrection AdjustmentType = "correction"
	AdjustmentUnknown    AdjustmentType = "unknown"
)

// ParseAdjustmentType validates an adjustment type name.
func ParseAdjustmentType(s string) (AdjustmentType, error) {
	switch t := AdjustmentType(s); t {
	case AdjustmentSplit, AdjustmentDividend, AdjustmentMerger, AdjustmentCorrection, AdjustmentUnknown:
		return t, nil
	}
	return "", fmt.Errorf("unknown adjustment type %q: %w", s, ErrValidation)
}

// AdjustsVolume reports whether adjustments of this type rescale volume by
// default.
func (t AdjustmentType) AdjustsVolume() bool {
	return t == AdjustmentSplit || t == AdjustmentMerger
}

// AdjustmentRecord is the audit payload of an applied adjustment.
type AdjustmentRecord struct {
	AdjustmentType          AdjustmentType `json:"adjustment_type"`
	Factor                  float64        `json:"factor"`
	ReferenceDate           time.Time      `json:"reference_date"`
	AffectedFields          []Field        `json:"affected_fields"`
	ProducedVersion         Version        `json:"produced_version"`
	PreAdjustmentSnapshotID string         `json:"pre_adjustment_snapshot_id"`
	Source                  string         `json:"source"`
	Confidence              float64        `json:"confidence"`
	PointCount              int            `json:"point_count"`
	AppliedBy               string         `json:"applied_by"`
	AppliedAt               time.Time      `json:"applied_at"`
	Status                  string         `json:"status"`
	Error                   string         `json:"error,omitempty"`
}

// Adjustment record statuses. A failed record names a version that was
// never written.
const (
	AdjustmentApplied = "applied"
	AdjustmentFailed  = "failed"
)

// AdjustmentRequest asks for an adjustment of latest up to ReferenceDate.
// Empty AffectedFields selects the defaults for Type.
type AdjustmentRequest struct {
	SeriesKey      SeriesKey      `json:"series_key"`
	Type           AdjustmentType `json:"adjustment_type"`
	Factor         float64        `json:"factor"`
	ReferenceDate  time.Time      `json:"reference_date"`
	AffectedFields []Field        `json:"affected_fields,omitempty"`
	Source         string         `json:"source"`
	UserID         string         `json:"user_id"`
	Confidence     float64        `json:"confidence"`
}

// Validate checks the request is applicable.
func (r AdjustmentRequest) Validate() error {
	if err := r.SeriesKey.Validate(); err != nil {
		return err
	}
	if _, err := ParseAdjustmentType(string(r.Type)); err != nil {
		return err
	}
	if !(r.Factor > 0) || math.IsInf(r.Factor, 0) {
		return fmt.Errorf("adjustment factor %v must be positive and finite: %w", r.Factor, ErrValidation)
	}
	if r.ReferenceDate.IsZero() {
		return fmt.Errorf("adjustment reference date is required: %w", ErrValidation)
	}
	for _, f := range r.AffectedFields {
		if _, err := ParseField(string(f)); err != nil {
			return err
		}
	}
	return nil
}

// DefaultFields returns the affected fields used when none are given: the
// price columns, plus volume for splits and mergers.
func (t AdjustmentType) DefaultFields() []Field {
	fields := append([]Field(nil), PriceFields...)
	if t.AdjustsVolume() {
		fields = append(fields, FieldVolume)
	}
	return fields
}
