package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/anomaly"
	"github.com/cdandre2010/ohlcvault/internal/availability"
	"github.com/cdandre2010/ohlcvault/internal/config"
	"github.com/cdandre2010/ohlcvault/internal/pipeline"
	"github.com/cdandre2010/ohlcvault/internal/reconcile"
	"github.com/cdandre2010/ohlcvault/internal/server"
	"github.com/cdandre2010/ohlcvault/internal/server/handler"
	"github.com/cdandre2010/ohlcvault/internal/server/ws"
	"github.com/cdandre2010/ohlcvault/internal/service"
	"github.com/cdandre2010/ohlcvault/internal/version"
)

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 10 * time.Second

// services are the vault components built over Dependencies.
type services struct {
	versions *version.Store
	applier  *adjust.Applier
	analyzer *availability.Analyzer
	vault    *service.Vault
}

func buildServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *services {
	versions := version.New(version.Deps{
		Gateway:   deps.Gateway,
		Audit:     deps.Audit,
		Snapshots: deps.Snapshots,
		Purger:    deps.Purger,
		Locks:     deps.Locks,
		Archiver:  deps.Archiver,
	}, version.Config{
		LockTTL:           cfg.Snapshot.LockTTL.Duration,
		EnrichConcurrency: cfg.Snapshot.EnrichConcurrency,
		LineageDepth:      cfg.Snapshot.LineageDepth,
	}, logger)

	applier := adjust.New(deps.Gateway, versions, deps.Audit, deps.Snapshots, logger)
	vault := service.NewVault(service.Deps{
		Versions:   versions,
		Detector:   anomaly.NewDetector(cfg.Anomaly, logger),
		Reconciler: reconcile.New(deps.Gateway, deps.Audit, applier, cfg.Reconcile, logger),
		Applier:    applier,
		Audit:      deps.Audit,
		Bus:        deps.Bus,
		Notifier:   deps.Notifier,
	}, logger)

	return &services{
		versions: versions,
		applier:  applier,
		analyzer: availability.New(deps.Gateway, logger),
		vault:    vault,
	}
}

// ServerMode serves the HTTP API and the websocket event stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// RetentionMode runs the scheduled maintenance jobs without the HTTP API.
func (a *App) RetentionMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting retention mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, svc); err != nil {
		return fmt.Errorf("retention mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the HTTP API and the scheduled jobs in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, svc); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// newScheduler registers the enabled jobs. A scheduler with no jobs is valid.
func (a *App) newScheduler(svc *services) (*pipeline.Scheduler, error) {
	sched := pipeline.NewScheduler(a.base)

	if a.cfg.Retention.Enabled {
		job, err := pipeline.NewRetentionJob(svc.vault, a.cfg.Retention.Policy(), a.cfg.Retention.DryRun, a.base)
		if err != nil {
			return nil, err
		}
		if err := sched.Add(a.cfg.Retention.Cron, job); err != nil {
			return nil, err
		}
	}

	if a.cfg.Scan.Enabled {
		keys, err := a.cfg.Scan.SeriesKeys()
		if err != nil {
			return nil, err
		}
		job, err := pipeline.NewScanJob(svc.vault, keys, a.cfg.Scan.Lookback, a.base)
		if err != nil {
			return nil, err
		}
		if err := sched.Add(a.cfg.Scan.Cron, job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, svc *services) error {
	sched, err := a.newScheduler(svc)
	if err != nil {
		return err
	}
	if sched.Len() == 0 {
		a.logger.WarnContext(ctx, "no scheduled jobs enabled; set retention.enabled or scan.enabled")
	}
	g.Go(func() error {
		return sched.Run(ctx, a.cfg.Retention.RunAtStart)
	})
	return nil
}

// newHTTPServer builds the API server and its websocket hub.
func (a *App) newHTTPServer(deps *Dependencies, svc *services) (*server.Server, *ws.Hub) {
	hub := ws.NewHub(deps.Bus, a.base, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	// Leave the lister a nil interface when S3 is off so the handler
	// reports archives as disabled.
	var archives handler.ArchiveLister
	if deps.Archives != nil {
		archives = deps.Archives
	}

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(deps.Health, a.base),
		Series:       handler.NewSeriesHandler(svc.vault, svc.versions, a.base),
		Availability: handler.NewAvailabilityHandler(svc.analyzer, a.base),
		Integrity:    handler.NewIntegrityHandler(svc.vault, svc.applier, a.base),
		Retention:    handler.NewRetentionHandler(svc.vault, archives, a.cfg.Retention.Policy(), a.base),
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, hub, deps.Limiter, a.base)
	return srv, hub
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	srv, hub := a.newHTTPServer(deps, svc)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
