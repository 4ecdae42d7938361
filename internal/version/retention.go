package version

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// RetentionInput is a snapshot as seen by the retention policy.
type RetentionInput struct {
	Meta domain.SnapshotMetadata
	Tags map[string]string
}

// SelectRetentionCandidates returns the snapshots policy allows deleting at
// now. It is a pure function of its arguments; dry runs and live runs both
// use it so they select the same set for the same state. An exempt tag
// matches either a tag name or a "name=value" pair.
func SelectRetentionCandidates(policy domain.RetentionPolicy, inputs []RetentionInput, now time.Time) []domain.RetentionCandidate {
	maxAge := time.Duration(policy.MaxAgeDays) * 24 * time.Hour
	var out []domain.RetentionCandidate
	for _, in := range inputs {
		age := now.Sub(in.Meta.CreatedAt)
		if age <= maxAge {
			continue
		}
		if slices.Contains(policy.ExemptPurposes, in.Meta.Purpose) {
			continue
		}
		if exemptByTag(policy.ExemptTags, in.Tags) {
			continue
		}
		out = append(out, domain.RetentionCandidate{
			SeriesKey:  in.Meta.SeriesKey,
			SnapshotID: in.Meta.SnapshotID,
			Purpose:    in.Meta.Purpose,
			CreatedAt:  in.Meta.CreatedAt,
			AgeDays:    int(age / (24 * time.Hour)),
		})
	}
	return out
}

func exemptByTag(exempt []string, tags map[string]string) bool {
	for _, e := range exempt {
		for name, value := range tags {
			if e == name || e == name+"="+value {
				return true
			}
		}
	}
	return false
}

// ApplyRetentionPolicy selects snapshots older than the policy allows and,
// unless dryRun, purges each one independently. A failed candidate is
// recorded in the report and does not stop the others. Cancellation is
// honoured between candidates.
func (s *Store) ApplyRetentionPolicy(ctx context.Context, policy domain.RetentionPolicy, scope *domain.SeriesKey, dryRun bool, user string) (domain.RetentionReport, error) {
	if err := policy.Validate(); err != nil {
		return domain.RetentionReport{}, fmt.Errorf("version: %w", err)
	}
	if scope != nil {
		if err := scope.Validate(); err != nil {
			return domain.RetentionReport{}, fmt.Errorf("version: %w", err)
		}
	}

	metas, err := s.deps.Snapshots.List(ctx, scope)
	if err != nil {
		return domain.RetentionReport{}, fmt.Errorf("version: retention list: %w", err)
	}
	inputs := make([]RetentionInput, 0, len(metas))
	for _, m := range metas {
		tags, err := s.deps.Snapshots.Tags(ctx, m.SeriesKey, m.Version())
		if err != nil {
			return domain.RetentionReport{}, fmt.Errorf("version: retention tags %s: %w", m.SnapshotID, err)
		}
		inputs = append(inputs, RetentionInput{Meta: m, Tags: tags})
	}

	now := s.now().UTC()
	report := domain.RetentionReport{
		DryRun:      dryRun,
		EvaluatedAt: now,
		Examined:    len(metas),
		Candidates:  SelectRetentionCandidates(policy, inputs, now),
		Deleted:     []domain.RetentionCandidate{},
	}
	if dryRun {
		return report, nil
	}

	byID := make(map[string]domain.SnapshotMetadata, len(metas))
	for _, m := range metas {
		byID[m.SeriesKey.String()+"/"+m.SnapshotID] = m
	}
	for _, c := range report.Candidates {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("version: retention interrupted after %d deletions: %w", len(report.Deleted), err)
		}
		meta := byID[c.SeriesKey.String()+"/"+c.SnapshotID]
		path, err := s.purge(ctx, meta, policy, c, user, now)
		if err != nil {
			s.logger.Error("retention delete failed",
				slog.String("series", c.SeriesKey.String()),
				slog.String("snapshot_id", c.SnapshotID),
				slog.String("error", err.Error()),
			)
			report.Failures = append(report.Failures, domain.RetentionFailure{Candidate: c, Error: err.Error()})
			continue
		}
		if path != "" {
			report.Archived = append(report.Archived, path)
		}
		report.Deleted = append(report.Deleted, c)
	}

	s.logger.Info("retention applied",
		slog.Int("examined", report.Examined),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failures)),
	)
	return report, nil
}

// purge archives (when configured) and then atomically removes one snapshot.
// A failed archive leaves the snapshot in place.
func (s *Store) purge(ctx context.Context, meta domain.SnapshotMetadata, policy domain.RetentionPolicy, c domain.RetentionCandidate, user string, now time.Time) (string, error) {
	var path string
	if s.deps.Archiver != nil {
		points, err := s.deps.Gateway.Query(ctx, c.SeriesKey, meta.Version(), domain.AllTime())
		if err != nil {
			return "", fmt.Errorf("read for archive: %w", err)
		}
		path, err = s.deps.Archiver.ArchiveSnapshot(ctx, meta, points)
		if err != nil {
			return "", fmt.Errorf("archive: %w", err)
		}
	}

	reason := fmt.Sprintf("retention: age %dd exceeds %dd", c.AgeDays, policy.MaxAgeDays)
	ev, err := domain.NewAuditEvent(domain.MeasurementVersionAudit, c.SeriesKey, meta.Version(), nil,
		domain.ActionDeleteSnapshot, user, snapshotAudit(meta, reason), now)
	if err != nil {
		return "", err
	}
	if err := s.deps.Purger.PurgeSnapshot(ctx, c.SeriesKey, c.SnapshotID, ev); err != nil {
		return "", fmt.Errorf("purge: %w", err)
	}
	return path, nil
}
