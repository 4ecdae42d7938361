// Package version implements snapshot creation, version listing, comparison,
// tagging, lineage and retention on top of the storage contracts.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/google/uuid"
)

// Deps are the collaborators of a Store. Archiver may be nil.
type Deps struct {
	Gateway   domain.Gateway
	Audit     domain.AuditStore
	Snapshots domain.SnapshotStore
	Purger    domain.Purger
	Locks     domain.LockManager
	Archiver  domain.SnapshotArchiver
}

// Config tunes a Store.
type Config struct {
	// LockTTL bounds how long an in-flight snapshot holds its lock.
	LockTTL time.Duration
	// EnrichConcurrency caps parallel reads when listing versions.
	EnrichConcurrency int
	// LineageDepth is used when a lineage query passes depth <= 0.
	LineageDepth int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{LockTTL: 2 * time.Minute, EnrichConcurrency: 8, LineageDepth: 10}
}

// Store is the version manager.
type Store struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Store.
func New(deps Deps, cfg Config, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.EnrichConcurrency <= 0 {
		cfg.EnrichConcurrency = def.EnrichConcurrency
	}
	if cfg.LineageDepth <= 0 {
		cfg.LineageDepth = def.LineageDepth
	}
	return &Store{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "version_store")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func snapshotLockKey(key domain.SeriesKey, r domain.TimeRange, purpose string) string {
	return fmt.Sprintf("snapshot:%s:%d:%d:%s", key, r.Start.UTC().Unix(), r.End.UTC().Unix(), purpose)
}

// CreateSnapshot copies latest over r into a new immutable snapshot version
// and records a create_snapshot audit event. It never writes to latest. A
// concurrent call for the same series, range and purpose fails with
// domain.ErrConflict.
func (s *Store) CreateSnapshot(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, req domain.SnapshotRequest) (domain.SnapshotMetadata, error) {
	if err := validate(key, r); err != nil {
		return domain.SnapshotMetadata{}, err
	}
	if err := req.Validate(); err != nil {
		return domain.SnapshotMetadata{}, fmt.Errorf("version: create snapshot: %w", err)
	}

	unlock, err := s.deps.Locks.Acquire(ctx, snapshotLockKey(key, r, req.Purpose), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SnapshotMetadata{}, fmt.Errorf("version: snapshot of %s already in flight: %w", key, domain.ErrConflict)
		}
		return domain.SnapshotMetadata{}, fmt.Errorf("version: snapshot lock: %w", err)
	}
	defer unlock()

	points, err := s.deps.Gateway.Query(ctx, key, domain.Latest(), r)
	if err != nil {
		return domain.SnapshotMetadata{}, fmt.Errorf("version: read latest %s: %w", key, err)
	}
	if len(points) == 0 {
		return domain.SnapshotMetadata{}, fmt.Errorf("version: snapshot of %s over %s..%s: %w",
			key, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), domain.ErrNoData)
	}
	domain.SortPoints(points)

	meta := domain.SnapshotMetadata{
		SchemaVersion:  domain.SnapshotSchemaVersion,
		SnapshotID:     s.newID(),
		SeriesKey:      key,
		CreatedAt:      s.now().UTC(),
		CreatedBy:      req.CreatedBy,
		Purpose:        req.Purpose,
		StrategyID:     req.StrategyID,
		SourceVersions: []string{domain.Latest().String()},
		DataHash:       ContentHash(points),
		PointCount:     len(points),
		StartDate:      points[0].Timestamp.UTC(),
		EndDate:        points[len(points)-1].Timestamp.UTC(),
		Tags:           maps.Clone(req.Tags),
	}
	v := meta.Version()

	tags := map[string]string{"purpose": req.Purpose}
	maps.Copy(tags, req.Tags)
	if err := ctx.Err(); err != nil {
		return domain.SnapshotMetadata{}, fmt.Errorf("version: create snapshot: %w", err)
	}
	if err := s.deps.Gateway.Write(ctx, key, v, tags, points); err != nil {
		// A conflict means the bars belong to an earlier writer.
		if !errors.Is(err, domain.ErrConflict) {
			s.discardPoints(ctx, key, v)
		}
		return domain.SnapshotMetadata{}, fmt.Errorf("version: write %s: %w", v, err)
	}
	if err := s.deps.Snapshots.Save(ctx, meta); err != nil {
		s.discardPoints(ctx, key, v)
		return domain.SnapshotMetadata{}, fmt.Errorf("version: save metadata %s: %w", v, err)
	}
	for name, value := range tags {
		if err := s.deps.Snapshots.SetTag(ctx, key, v, name, value); err != nil {
			s.discardSnapshot(ctx, meta, req.CreatedBy)
			return domain.SnapshotMetadata{}, fmt.Errorf("version: tag %s: %w", v, err)
		}
	}

	latest := domain.Latest()
	ev, err := domain.NewAuditEvent(domain.MeasurementVersionAudit, key, v, &latest,
		domain.ActionCreateSnapshot, req.CreatedBy, snapshotAudit(meta, ""), meta.CreatedAt)
	if err == nil {
		err = s.deps.Audit.Append(ctx, ev)
	}
	if err != nil {
		s.discardSnapshot(ctx, meta, req.CreatedBy)
		return domain.SnapshotMetadata{}, fmt.Errorf("version: audit %s: %w", v, err)
	}

	s.logger.Info("snapshot created",
		slog.String("series", key.String()),
		slog.String("snapshot_id", meta.SnapshotID),
		slog.Int("points", meta.PointCount),
		slog.String("purpose", meta.Purpose),
	)
	return meta, nil
}

// discardPoints removes the points of a snapshot whose metadata was never
// saved, so no version is left that retention cannot see.
func (s *Store) discardPoints(ctx context.Context, key domain.SeriesKey, v domain.Version) {
	ctx = context.WithoutCancel(ctx)
	if err := s.deps.Gateway.Delete(ctx, key, v, domain.AllTime()); err != nil {
		s.logger.Error("discard partial snapshot failed",
			slog.String("series", key.String()),
			slog.String("version", v.String()),
			slog.String("error", err.Error()),
		)
	}
}

// discardSnapshot purges a snapshot whose metadata was saved but whose
// creation did not complete. If the purge fails the metadata row is kept, so
// retention can still reach the version.
func (s *Store) discardSnapshot(ctx context.Context, meta domain.SnapshotMetadata, user string) {
	ctx = context.WithoutCancel(ctx)
	ev, err := domain.NewAuditEvent(domain.MeasurementVersionAudit, meta.SeriesKey, meta.Version(), nil,
		domain.ActionDeleteSnapshot, user, snapshotAudit(meta, "rollback: snapshot creation failed"), s.now().UTC())
	if err == nil {
		err = s.deps.Purger.PurgeSnapshot(ctx, meta.SeriesKey, meta.SnapshotID, ev)
	}
	if err != nil {
		s.logger.Error("rollback of partial snapshot failed",
			slog.String("series", meta.SeriesKey.String()),
			slog.String("snapshot_id", meta.SnapshotID),
			slog.String("error", err.Error()),
		)
	}
}

func snapshotAudit(m domain.SnapshotMetadata, reason string) domain.SnapshotAuditMetadata {
	return domain.SnapshotAuditMetadata{
		SchemaVersion: m.SchemaVersion,
		SnapshotID:    m.SnapshotID,
		DataHash:      m.DataHash,
		PointCount:    m.PointCount,
		Purpose:       m.Purpose,
		StrategyID:    m.StrategyID,
		Start:         m.StartDate,
		End:           m.EndDate,
		Tags:          m.Tags,
		Reason:        reason,
	}
}

// GetSnapshot returns the metadata of one snapshot.
func (s *Store) GetSnapshot(ctx context.Context, key domain.SeriesKey, id string) (domain.SnapshotMetadata, error) {
	meta, err := s.deps.Snapshots.Get(ctx, key, id)
	if err != nil {
		return domain.SnapshotMetadata{}, fmt.Errorf("version: get snapshot: %w", err)
	}
	return meta, nil
}

// VerifyResult reports a snapshot hash check.
type VerifyResult struct {
	SnapshotID   string `json:"snapshot_id"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	PointCount   int    `json:"point_count"`
	Valid        bool   `json:"valid"`
}

// VerifySnapshot recomputes the content hash of a stored snapshot. A mismatch
// returns the result together with domain.ErrIntegrity.
func (s *Store) VerifySnapshot(ctx context.Context, key domain.SeriesKey, id string) (VerifyResult, error) {
	meta, err := s.GetSnapshot(ctx, key, id)
	if err != nil {
		return VerifyResult{}, err
	}
	points, err := s.deps.Gateway.Query(ctx, key, meta.Version(), domain.AllTime())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("version: read %s: %w", meta.Version(), err)
	}
	res := VerifyResult{
		SnapshotID:   id,
		ExpectedHash: meta.DataHash,
		ActualHash:   ContentHash(points),
		PointCount:   len(points),
	}
	res.Valid = res.ActualHash == res.ExpectedHash && res.PointCount == meta.PointCount
	if !res.Valid {
		s.logger.Warn("snapshot failed verification",
			slog.String("series", key.String()),
			slog.String("snapshot_id", id),
		)
		return res, fmt.Errorf("version: snapshot %s: hash %s != %s: %w", id, res.ActualHash, res.ExpectedHash, domain.ErrIntegrity)
	}
	return res, nil
}

// ReadVersion returns the points of v over r.
func (s *Store) ReadVersion(ctx context.Context, key domain.SeriesKey, v domain.Version, r domain.TimeRange) ([]domain.MarketPoint, error) {
	if err := validate(key, r); err != nil {
		return nil, err
	}
	if err := s.requireVersion(ctx, key, v); err != nil {
		return nil, err
	}
	points, err := s.deps.Gateway.Query(ctx, key, v, r)
	if err != nil {
		return nil, fmt.Errorf("version: read %s: %w", v, err)
	}
	return points, nil
}

// requireVersion returns domain.ErrNotFound unless v is latest or holds data.
func (s *Store) requireVersion(ctx context.Context, key domain.SeriesKey, v domain.Version) error {
	if v.IsLatest() {
		return nil
	}
	versions, err := s.deps.Gateway.ListVersions(ctx, key)
	if err != nil {
		return fmt.Errorf("version: list versions %s: %w", key, err)
	}
	for _, have := range versions {
		if have == v {
			return nil
		}
	}
	return fmt.Errorf("version: %s of %s: %w", v, key, domain.ErrNotFound)
}

func validate(key domain.SeriesKey, r domain.TimeRange) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	return nil
}
