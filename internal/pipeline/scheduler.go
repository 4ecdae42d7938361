// Package pipeline runs the vault's background jobs on cron schedules:
// retention enforcement and periodic anomaly scans of a watchlist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	RunOnce(ctx context.Context) error
}

type entry struct {
	spec string
	job  Job
}

// Scheduler runs jobs on standard five-field cron specs (UTC). A run that is
// still in progress when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	entries []entry
	logger  *slog.Logger
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Add validates spec and registers job.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("pipeline: job %s: bad schedule %q: %w", job.Name(), spec, err)
	}
	s.entries = append(s.entries, entry{spec: spec, job: job})
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return len(s.entries) }

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// in-flight jobs. With runAtStart every job also runs once immediately.
func (s *Scheduler) Run(ctx context.Context, runAtStart bool) error {
	for _, e := range s.entries {
		job := e.job
		if _, err := s.cron.AddFunc(e.spec, func() { s.runJob(ctx, job) }); err != nil {
			return fmt.Errorf("pipeline: schedule %s: %w", job.Name(), err)
		}
		s.logger.Info("job scheduled", slog.String("job", job.Name()), slog.String("spec", e.spec))
	}

	if runAtStart {
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range s.entries {
			job := e.job
			g.Go(func() error {
				s.runJob(gctx, job)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	logger := s.logger.With(slog.String("job", job.Name()))
	logger.Debug("job starting")
	if err := job.RunOnce(ctx); err != nil {
		logger.Error("job failed", slog.String("error", err.Error()))
		return
	}
	logger.Debug("job finished")
}
