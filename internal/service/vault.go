// Package service coordinates the vault components for the outer surfaces:
// it runs the operation, then records scans, publishes bus events and sends
// alerts.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/anomaly"
	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/notify"
	"github.com/cdandre2010/ohlcvault/internal/reconcile"
	"github.com/cdandre2010/ohlcvault/internal/version"
)

// Event is the payload published on the bus and appended to the audit
// stream.
type Event struct {
	Type      string           `json:"type"`
	SeriesKey domain.SeriesKey `json:"series_key"`
	Version   *domain.Version  `json:"version,omitempty"`
	Data      any              `json:"data,omitempty"`
	At        time.Time        `json:"at"`
}

// Deps are the collaborators of a Vault. Bus and Notifier may be nil.
type Deps struct {
	Versions   *version.Store
	Detector   *anomaly.Detector
	Reconciler *reconcile.Engine
	Applier    *adjust.Applier
	Audit      domain.AuditStore
	Bus        domain.SignalBus
	Notifier   *notify.Notifier
}

// Vault is the write-side facade used by the HTTP layer and the scheduler.
type Vault struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewVault creates a Vault.
func NewVault(deps Deps, logger *slog.Logger) *Vault {
	return &Vault{
		deps:   deps,
		logger: logger.With(slog.String("component", "vault_service")),
		now:    time.Now,
	}
}

// CreateSnapshot snapshots latest over r and announces it.
func (s *Vault) CreateSnapshot(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, req domain.SnapshotRequest) (domain.SnapshotMetadata, error) {
	meta, err := s.deps.Versions.CreateSnapshot(ctx, key, r, req)
	if err != nil {
		return domain.SnapshotMetadata{}, err
	}
	v := meta.Version()
	s.emit(ctx, domain.ChannelSnapshots, Event{Type: domain.ActionCreateSnapshot, SeriesKey: key, Version: &v, Data: meta})
	return meta, nil
}

// VerifySnapshot recomputes a snapshot hash and alerts on mismatch.
func (s *Vault) VerifySnapshot(ctx context.Context, key domain.SeriesKey, id string) (version.VerifyResult, error) {
	res, err := s.deps.Versions.VerifySnapshot(ctx, key, id)
	if domain.KindOf(err) == domain.KindIntegrity {
		s.alert(ctx, notify.Alert{
			Event:   notify.EventIntegrity,
			Title:   "Snapshot integrity failure",
			Message: fmt.Sprintf("%s snapshot %s: expected %s, got %s", key, id, res.ExpectedHash, res.ActualHash),
		})
	}
	return res, err
}

// ScanRequest selects the data and scanners of an anomaly scan.
type ScanRequest struct {
	Range   domain.TimeRange     `json:"range"`
	Version domain.Version       `json:"version"`
	Types   []domain.AnomalyType `json:"types,omitempty"`
	UserID  string               `json:"user_id"`
}

// ScanResult is the outcome of an anomaly scan.
type ScanResult struct {
	SeriesKey  domain.SeriesKey `json:"series_key"`
	Version    domain.Version   `json:"version"`
	Range      domain.TimeRange `json:"range"`
	PointCount int              `json:"point_count"`
	anomaly.Summary
}

// ScanAnomalies runs the detector over one version, records an anomaly_scan
// audit event and alerts on corporate-action findings.
func (s *Vault) ScanAnomalies(ctx context.Context, key domain.SeriesKey, req ScanRequest) (ScanResult, error) {
	points, err := s.deps.Versions.ReadVersion(ctx, key, req.Version, req.Range)
	if err != nil {
		return ScanResult{}, err
	}
	found, err := s.deps.Detector.Scan(ctx, points, key.Timeframe, req.Types)
	if err != nil {
		return ScanResult{}, fmt.Errorf("service: scan %s: %w", key, err)
	}
	summary, err := anomaly.Summarize(found)
	if err != nil {
		return ScanResult{}, fmt.Errorf("service: summarize %s: %w", key, err)
	}
	res := ScanResult{
		SeriesKey:  key,
		Version:    req.Version,
		Range:      req.Range,
		PointCount: len(points),
		Summary:    summary,
	}

	md := map[string]any{
		"point_count":    len(points),
		"total":          summary.Total,
		"by_type":        summary.ByType,
		"max_confidence": summary.MaxConfidence,
		"start":          req.Range.Start,
		"end":            req.Range.End,
	}
	ev, err := domain.NewAuditEvent(domain.MeasurementDataAudit, key, req.Version, nil,
		domain.ActionAnomalyScan, req.UserID, md, s.now())
	if err != nil {
		return ScanResult{}, fmt.Errorf("service: %w", err)
	}
	if err := s.deps.Audit.Append(ctx, ev); err != nil {
		return ScanResult{}, fmt.Errorf("service: record scan of %s: %w", key, err)
	}

	if summary.Total > 0 {
		v := req.Version
		s.emit(ctx, domain.ChannelAnomalies, Event{Type: domain.ActionAnomalyScan, SeriesKey: key, Version: &v, Data: md})
	}
	for _, a := range summary.Anomalies {
		if !corporateAction(a.Type) {
			continue
		}
		msg := fmt.Sprintf("%s at %s: %s (confidence %.2f)", key, a.Timestamp.Format(time.RFC3339), a.Description, a.Confidence)
		if ratio := a.Attributes["estimated_split_ratio"]; ratio != "" {
			msg += ", estimated ratio " + ratio
		}
		s.alert(ctx, notify.Alert{
			Event:      notify.EventCorporateAction,
			Title:      fmt.Sprintf("Possible %s detected", a.Type),
			Message:    msg,
			Confidence: a.Confidence,
		})
	}
	return res, nil
}

func corporateAction(t domain.AnomalyType) bool {
	return t == domain.AnomalySplit || t == domain.AnomalyDividend || t == domain.AnomalyMerger
}

// ApplyAdjustment applies an adjustment and announces the new version.
func (s *Vault) ApplyAdjustment(ctx context.Context, req domain.AdjustmentRequest) (adjust.Result, error) {
	res, err := s.deps.Applier.Apply(ctx, req)
	if err != nil {
		return res, err
	}
	s.adjusted(ctx, req.SeriesKey, res)
	return res, nil
}

func (s *Vault) adjusted(ctx context.Context, key domain.SeriesKey, res adjust.Result) {
	v := res.Version
	s.emit(ctx, domain.ChannelAdjustments, Event{Type: domain.AdjustmentAction(res.Record.AdjustmentType), SeriesKey: key, Version: &v, Data: res.Record})
	s.alert(ctx, notify.Alert{
		Event: notify.EventAdjustment,
		Title: fmt.Sprintf("%s adjustment applied", res.Record.AdjustmentType),
		Message: fmt.Sprintf("%s factor %g up to %s: %d points in %s (pre-adjustment snapshot %s)",
			key, res.Record.Factor, res.Record.ReferenceDate.Format(time.DateOnly),
			res.PointCount, res.Version, res.PreAdjustmentSnapshotID),
	})
}

// Reconcile compares latest with an external series and announces any
// adjustment it applied.
func (s *Vault) Reconcile(ctx context.Context, key domain.SeriesKey, external []domain.MarketPoint, r domain.TimeRange, opts reconcile.Options) (reconcile.Report, error) {
	rep, err := s.deps.Reconciler.Reconcile(ctx, key, external, r, opts)
	if rep.Adjustment != nil {
		s.adjusted(ctx, key, *rep.Adjustment)
	}
	return rep, err
}

// ApplyRetention enforces policy and reports failures.
func (s *Vault) ApplyRetention(ctx context.Context, policy domain.RetentionPolicy, scope *domain.SeriesKey, dryRun bool, user string) (domain.RetentionReport, error) {
	rep, err := s.deps.Versions.ApplyRetentionPolicy(ctx, policy, scope, dryRun, user)
	if err != nil && rep.EvaluatedAt.IsZero() {
		return rep, err
	}
	if !dryRun {
		var key domain.SeriesKey
		if scope != nil {
			key = *scope
		}
		s.emit(ctx, domain.ChannelRetention, Event{Type: domain.ActionDeleteSnapshot, SeriesKey: key, Data: rep})
	}
	if len(rep.Failures) > 0 {
		s.alert(ctx, notify.Alert{
			Event: notify.EventRetentionFailure,
			Title: "Retention failures",
			Message: fmt.Sprintf("%d of %d candidates could not be deleted; first: %s %s: %s",
				len(rep.Failures), len(rep.Candidates),
				rep.Failures[0].Candidate.SeriesKey, rep.Failures[0].Candidate.SnapshotID, rep.Failures[0].Error),
		})
	}
	return rep, err
}

// emit publishes ev on channel and appends it to the audit stream. Bus
// failures are logged, never returned.
func (s *Vault) emit(ctx context.Context, channel string, ev Event) {
	if s.deps.Bus == nil {
		return
	}
	ev.At = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := s.deps.Bus.StreamAppend(ctx, domain.StreamAudit, payload); err != nil {
		s.logger.WarnContext(ctx, "append audit stream failed", slog.String("error", err.Error()))
	}
}

func (s *Vault) alert(ctx context.Context, a notify.Alert) {
	if err := s.deps.Notifier.Notify(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "notification failed", slog.String("event", a.Event), slog.String("error", err.Error()))
	}
}
