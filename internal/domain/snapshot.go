package domain

import (
	"fmt"
	"time"
)

// SnapshotSchemaVersion is bumped whenever SnapshotMetadata changes shape.
const SnapshotSchemaVersion = 1

// Well-known snapshot purposes.
const (
	PurposeManual        = "manual"
	PurposeBacktest      = "backtest"
	PurposePreAdjustment = "pre_adjustment"
)

// SnapshotMetadata describes one immutable snapshot. It is written once and
// never updated.
type SnapshotMetadata struct {
	SchemaVersion  int               `json:"schema_version"`
	SnapshotID     string            `json:"snapshot_id"`
	SeriesKey      SeriesKey         `json:"series_key"`
	CreatedAt      time.Time         `json:"created_at"`
	CreatedBy      string            `json:"created_by"`
	Purpose        string            `json:"purpose"`
	StrategyID     string            `json:"strategy_id,omitempty"`
	SourceVersions []string          `json:"source_versions"`
	DataHash       string            `json:"data_hash"`
	PointCount     int               `json:"point_count"`
	StartDate      time.Time         `json:"start_date"`
	EndDate        time.Time         `json:"end_date"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Version returns the storage version of the snapshot.
func (m SnapshotMetadata) Version() Version {
	return SnapshotVersion(m.SnapshotID)
}

// SnapshotRequest carries the caller-provided part of a snapshot.
type SnapshotRequest struct {
	Purpose    string            `json:"purpose"`
	CreatedBy  string            `json:"created_by"`
	StrategyID string            `json:"strategy_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Validate checks the request carries a purpose.
func (r SnapshotRequest) Validate() error {
	if r.Purpose == "" {
		return fmt.Errorf("snapshot request: purpose is required: %w", ErrValidation)
	}
	return nil
}

// VersionInfo is one entry of a version listing.
type VersionInfo struct {
	Version    Version           `json:"version"`
	Kind       string            `json:"kind"`
	PointCount *int              `json:"point_count,omitempty"`
	StartDate  *time.Time        `json:"start_date,omitempty"`
	EndDate    *time.Time        `json:"end_date,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Snapshot   *SnapshotMetadata `json:"snapshot,omitempty"`
}

// RetentionPolicy decides which snapshots may be deleted. It never applies to
// the latest version or to adjustment versions.
type RetentionPolicy struct {
	MaxAgeDays     int      `json:"max_age_days"`
	ExemptPurposes []string `json:"exempt_purposes,omitempty"`
	ExemptTags     []string `json:"exempt_tags,omitempty"`
}

// Validate rejects non-positive ages.
func (p RetentionPolicy) Validate() error {
	if p.MaxAgeDays <= 0 {
		return fmt.Errorf("retention policy: max_age_days must be > 0: %w", ErrValidation)
	}
	return nil
}

// RetentionCandidate is a snapshot selected for deletion.
type RetentionCandidate struct {
	SeriesKey  SeriesKey `json:"series_key"`
	SnapshotID string    `json:"snapshot_id"`
	Purpose    string    `json:"purpose"`
	CreatedAt  time.Time `json:"created_at"`
	AgeDays    int       `json:"age_days"`
}

// RetentionFailure records a candidate that could not be deleted.
type RetentionFailure struct {
	Candidate RetentionCandidate `json:"candidate"`
	Error     string             `json:"error"`
}

// RetentionReport is the outcome of applying a policy.
type RetentionReport struct {
	DryRun      bool                 `json:"dry_run"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
	Examined    int                  `json:"examined"`
	Candidates  []RetentionCandidate `json:"candidates"`
	Deleted     []RetentionCandidate `json:"deleted"`
	Archived    []string             `json:"archived,omitempty"`
	Failures    []RetentionFailure   `json:"failures,omitempty"`
}
