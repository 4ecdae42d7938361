// Package adjust materializes multiplicative corrections as new adjustment
// versions, guarded by a pre-adjustment snapshot.
package adjust

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// Stages reported by AdjustmentError.
const (
	StageWrite = "write"
	StageAudit = "audit"
	StageTag   = "tag"
)

// AdjustmentError is returned when a step after the pre-adjustment snapshot
// fails. The snapshot is kept and its id reported for recovery.
type AdjustmentError struct {
	SnapshotID string
	Stage      string
	Err        error
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("adjust: %s failed after pre-adjustment snapshot %s: %v", e.Stage, e.SnapshotID, e.Err)
}

func (e *AdjustmentError) Unwrap() error { return e.Err }

// SnapshotCreator takes the pre-adjustment snapshot.
type SnapshotCreator interface {
	CreateSnapshot(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, req domain.SnapshotRequest) (domain.SnapshotMetadata, error)
}

// Result describes an applied adjustment.
type Result struct {
	Version                 domain.Version          `json:"version"`
	PreAdjustmentSnapshotID string                  `json:"pre_adjustment_snapshot_id"`
	PointCount              int                     `json:"point_count"`
	Record                  domain.AdjustmentRecord `json:"record"`
}

// Applier applies adjustments.
type Applier struct {
	gateway   domain.Gateway
	snapshots SnapshotCreator
	audit     domain.AuditStore
	tags      domain.SnapshotStore
	logger    *slog.Logger
	now       func() time.Time
	newNonce  func() string
}

// New creates an Applier.
func New(gateway domain.Gateway, snapshots SnapshotCreator, audit domain.AuditStore, tags domain.SnapshotStore, logger *slog.Logger) *Applier {
	return &Applier{
		gateway:   gateway,
		snapshots: snapshots,
		audit:     audit,
		tags:      tags,
		logger:    logger.With(slog.String("component", "adjust")),
		now:       time.Now,
		newNonce:  func() string { return uuid.NewString()[:8] },
	}
}

// Apply snapshots latest up to the reference date, transforms the snapshot's
// bars and writes them as a new adjustment version. Latest is never modified.
func (a *Applier) Apply(ctx context.Context, req domain.AdjustmentRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("adjust: %w", err)
	}
	fields := req.AffectedFields
	if len(fields) == 0 {
		fields = req.Type.DefaultFields()
	}
	key := req.SeriesKey
	r := domain.TimeRange{Start: domain.AllTime().Start, End: req.ReferenceDate.UTC()}

	current, err := a.gateway.Query(ctx, key, domain.Latest(), r)
	if err != nil {
		return Result{}, fmt.Errorf("adjust: read latest %s: %w", key, err)
	}
	if len(current) == 0 {
		return Result{}, fmt.Errorf("adjust: %s has no data up to %s: %w",
			key, req.ReferenceDate.Format(time.RFC3339), domain.ErrNoData)
	}

	snap, err := a.snapshots.CreateSnapshot(ctx, key, r, domain.SnapshotRequest{
		Purpose:   domain.PurposePreAdjustment,
		CreatedBy: req.UserID,
		Tags: map[string]string{
			"adjustment_type": string(req.Type),
			"factor":          strconv.FormatFloat(req.Factor, 'g', -1, 64),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("adjust: pre-adjustment snapshot: %w", err)
	}

	now := a.now().UTC()
	v := domain.AdjustmentVersion(req.Type, now, a.newNonce())
	rec := domain.AdjustmentRecord{
		AdjustmentType:          req.Type,
		Factor:                  req.Factor,
		ReferenceDate:           req.ReferenceDate.UTC(),
		AffectedFields:          fields,
		ProducedVersion:         v,
		PreAdjustmentSnapshotID: snap.SnapshotID,
		Source:                  req.Source,
		Confidence:              req.Confidence,
		AppliedBy:               req.UserID,
		AppliedAt:               now,
		Status:                  domain.AdjustmentApplied,
	}

	// Latest may have moved since the snapshot; adjust what was frozen.
	points, err := a.gateway.Query(ctx, key, snap.Version(), domain.AllTime())
	if err != nil {
		return Result{}, a.fail(ctx, key, rec, StageWrite, fmt.Errorf("read snapshot: %w", err))
	}
	adjusted := Transform(points, req.Type, req.Factor, fields)
	rec.PointCount = len(adjusted)

	if err := ctx.Err(); err != nil {
		return Result{}, a.fail(ctx, key, rec, StageWrite, err)
	}
	tags := map[string]string{
		"adjustment_type":         string(req.Type),
		"pre_adjustment_snapshot": snap.SnapshotID,
	}
	if err := a.gateway.Write(ctx, key, v, tags, adjusted); err != nil {
		return Result{}, a.fail(ctx, key, rec, StageWrite, err)
	}

	parent := snap.Version()
	ev, err := domain.NewAuditEvent(domain.MeasurementDataAdjustments, key, v, &parent,
		domain.AdjustmentAction(req.Type), req.UserID, rec, now)
	if err == nil {
		err = a.audit.Append(ctx, ev)
	}
	if err != nil {
		return Result{}, &AdjustmentError{SnapshotID: snap.SnapshotID, Stage: StageAudit, Err: err}
	}
	if err := a.tags.SetTag(ctx, key, v, "adjustment_type", string(req.Type)); err != nil {
		return Result{}, &AdjustmentError{SnapshotID: snap.SnapshotID, Stage: StageTag, Err: err}
	}

	a.logger.Info("adjustment applied",
		slog.String("series", key.String()),
		slog.String("version", v.String()),
		slog.Float64("factor", req.Factor),
		slog.Int("points", len(adjusted)),
	)
	return Result{Version: v, PreAdjustmentSnapshotID: snap.SnapshotID, PointCount: len(adjusted), Record: rec}, nil
}

// fail records a failed adjustment in the audit trail and returns the
// AdjustmentError. The event carries no parent so lineage never shows the
// unwritten version.
func (a *Applier) fail(ctx context.Context, key domain.SeriesKey, rec domain.AdjustmentRecord, stage string, cause error) error {
	a.logger.Error("adjustment failed, pre-adjustment snapshot kept",
		slog.String("series", key.String()),
		slog.String("snapshot_id", rec.PreAdjustmentSnapshotID),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
	rec.Status = domain.AdjustmentFailed
	rec.Error = cause.Error()
	ev, err := domain.NewAuditEvent(domain.MeasurementDataAdjustments, key, rec.ProducedVersion, nil,
		domain.AdjustmentAction(rec.AdjustmentType), rec.AppliedBy, rec, rec.AppliedAt)
	if err == nil {
		err = a.audit.Append(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		a.logger.Error("recording failed adjustment",
			slog.String("series", key.String()),
			slog.String("error", err.Error()),
		)
	}
	return &AdjustmentError{SnapshotID: rec.PreAdjustmentSnapshotID, Stage: stage, Err: cause}
}

// Transform returns adjusted copies of points. Splits divide prices by
// factor and multiply volume by it; every other type multiplies the affected
// fields. Each copy carries the factor in AdjustmentFactor.
func Transform(points []domain.MarketPoint, t domain.AdjustmentType, factor float64, fields []domain.Field) []domain.MarketPoint {
	out := make([]domain.MarketPoint, len(points))
	for i, p := range points {
		for _, f := range fields {
			v := p.Get(f)
			if t == domain.AdjustmentSplit && f.IsPrice() {
				v /= factor
			} else {
				v *= factor
			}
			p.Set(f, v)
		}
		fc := factor
		p.AdjustmentFactor = &fc
		out[i] = p
	}
	return out
}

// ListAdjustments returns the adjustments recorded for key, oldest first.
func (a *Applier) ListAdjustments(ctx context.Context, key domain.SeriesKey) ([]domain.AdjustmentRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	events, err := a.audit.List(ctx, key, domain.AuditFilter{Measurement: domain.MeasurementDataAdjustments})
	if err != nil {
		return nil, fmt.Errorf("adjust: list %s: %w", key, err)
	}
	out := make([]domain.AdjustmentRecord, 0, len(events))
	for _, ev := range events {
		var rec domain.AdjustmentRecord
		if err := ev.DecodeMetadata(&rec); err != nil {
			a.logger.Warn("skipping unreadable adjustment record",
				slog.Int64("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
