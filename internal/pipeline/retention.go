package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// RetentionApplier enforces a retention policy.
type RetentionApplier interface {
	ApplyRetention(ctx context.Context, policy domain.RetentionPolicy, scope *domain.SeriesKey, dryRun bool, user string) (domain.RetentionReport, error)
}

// schedulerUser is recorded as the actor of scheduled runs.
const schedulerUser = "scheduler"

// RetentionJob applies one policy across every series.
type RetentionJob struct {
	applier RetentionApplier
	policy  domain.RetentionPolicy
	dryRun  bool
	logger  *slog.Logger
}

// NewRetentionJob validates policy and creates the job.
func NewRetentionJob(applier RetentionApplier, policy domain.RetentionPolicy, dryRun bool, logger *slog.Logger) (*RetentionJob, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &RetentionJob{
		applier: applier,
		policy:  policy,
		dryRun:  dryRun,
		logger:  logger.With(slog.String("component", "retention_job")),
	}, nil
}

func (j *RetentionJob) Name() string { return "retention" }

// RunOnce applies the policy. Per-snapshot failures are reported by the
// applier and logged here; only a failure to run at all is returned.
func (j *RetentionJob) RunOnce(ctx context.Context) error {
	rep, err := j.applier.ApplyRetention(ctx, j.policy, nil, j.dryRun, schedulerUser)
	if err != nil {
		return fmt.Errorf("pipeline: retention: %w", err)
	}
	j.logger.Info("retention run complete",
		slog.Bool("dry_run", rep.DryRun),
		slog.Int("examined", rep.Examined),
		slog.Int("candidates", len(rep.Candidates)),
		slog.Int("deleted", len(rep.Deleted)),
		slog.Int("archived", len(rep.Archived)),
		slog.Int("failed", len(rep.Failures)),
	)
	return nil
}
