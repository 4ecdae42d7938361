package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Measurement groups audit events by concern.
type Measurement string

const (
	MeasurementVersionAudit    Measurement = "version_audit"
	MeasurementDataAudit       Measurement = "data_audit"
	MeasurementDataAdjustments Measurement = "data_adjustments"
)

// Audit actions.
const (
	ActionCreateSnapshot = "create_snapshot"
	ActionDeleteSnapshot = "delete_snapshot"
	ActionTagVersion     = "tag_version"
	ActionAnomalyScan    = "anomaly_scan"
	ActionReconcile      = "reconcile"
)

// AdjustmentAction returns the audit action recorded for an adjustment type.
func AdjustmentAction(t AdjustmentType) string {
	return fmt.Sprintf("create_%s_adjustment", t)
}

// AuditEvent is one append-only trail entry. Version is the child and
// RelatedVersion the parent in the lineage graph.
type AuditEvent struct {
	ID             int64           `json:"id,omitempty"`
	Measurement    Measurement     `json:"measurement"`
	SeriesKey      SeriesKey       `json:"series_key"`
	Version        Version         `json:"version"`
	RelatedVersion *Version        `json:"related_version,omitempty"`
	Action         string          `json:"action"`
	UserID         string          `json:"user_id"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DecodeMetadata unmarshals the event metadata into v.
func (e AuditEvent) DecodeMetadata(v any) error {
	if len(e.Metadata) == 0 {
		return fmt.Errorf("audit event %s: no metadata: %w", e.Action, ErrNotFound)
	}
	return json.Unmarshal(e.Metadata, v)
}

// NewAuditEvent builds an event, encoding metadata to JSON.
func NewAuditEvent(m Measurement, key SeriesKey, v Version, related *Version, action, user string, metadata any, ts time.Time) (AuditEvent, error) {
	ev := AuditEvent{
		Measurement:    m,
		SeriesKey:      key,
		Version:        v,
		RelatedVersion: related,
		Action:         action,
		UserID:         user,
		Timestamp:      ts.UTC(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return AuditEvent{}, fmt.Errorf("audit event %s: marshal metadata: %w", action, err)
		}
		ev.Metadata = raw
	}
	return ev, nil
}

// SnapshotAuditMetadata is the payload of create_snapshot/delete_snapshot.
type SnapshotAuditMetadata struct {
	SchemaVersion int               `json:"schema_version"`
	SnapshotID    string            `json:"snapshot_id"`
	DataHash      string            `json:"data_hash"`
	PointCount    int               `json:"point_count"`
	Purpose       string            `json:"purpose"`
	StrategyID    string            `json:"strategy_id,omitempty"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Tags          map[string]string `json:"tags,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// TagAuditMetadata is the payload of tag_version.
type TagAuditMetadata struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	Measurement Measurement
	Action      string
	Version     *Version
	Limit       int
}

// Lineage is the neighbourhood of a version in the audit graph.
type Lineage struct {
	Version     Version           `json:"version"`
	Parents     []LineageLink     `json:"parents"`
	Children    []LineageLink     `json:"children"`
	Ancestors   []LineageLink     `json:"ancestors"`
	Descendants []LineageLink     `json:"descendants"`
	Snapshot    *SnapshotMetadata `json:"snapshot,omitempty"`
}

// LineageLink is one edge of the lineage graph seen from the queried version.
type LineageLink struct {
	Version   Version   `json:"version"`
	Action    string    `json:"action"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}
