package version

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ListFilter narrows a version listing.
type ListFilter struct {
	Kind *domain.VersionKind
	// Purpose keeps only snapshots created with this purpose.
	Purpose string
	// IncludeMetadata resolves point counts and date bounds per version.
	IncludeMetadata bool
}

// ListVersions returns the versions of key. Tags are always attached; point
// counts, date bounds and snapshot metadata only when requested, resolved
// concurrently.
func (s *Store) ListVersions(ctx context.Context, key domain.SeriesKey, f ListFilter) ([]domain.VersionInfo, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	versions, err := s.deps.Gateway.ListVersions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("version: list versions %s: %w", key, err)
	}

	var infos []domain.VersionInfo
	for _, v := range versions {
		if f.Kind != nil && v.Kind != *f.Kind {
			continue
		}
		if f.Purpose != "" && v.Kind != domain.VersionSnapshot {
			continue
		}
		infos = append(infos, domain.VersionInfo{Version: v, Kind: v.Kind.String()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EnrichConcurrency)
	for i := range infos {
		info := &infos[i]
		g.Go(func() error {
			return s.enrich(gctx, key, info, f.IncludeMetadata || f.Purpose != "")
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("version: list versions %s: %w", key, err)
	}

	if f.Purpose != "" {
		kept := infos[:0]
		for _, info := range infos {
			if info.Snapshot != nil && info.Snapshot.Purpose == f.Purpose {
				kept = append(kept, info)
			}
		}
		infos = kept
	}
	if !f.IncludeMetadata {
		for i := range infos {
			infos[i].Snapshot = nil
		}
	}
	return infos, nil
}

func (s *Store) enrich(ctx context.Context, key domain.SeriesKey, info *domain.VersionInfo, full bool) error {
	tags, err := s.deps.Snapshots.Tags(ctx, key, info.Version)
	if err != nil {
		return err
	}
	info.Tags = tags
	if !full {
		return nil
	}

	if info.Version.Kind == domain.VersionSnapshot {
		meta, err := s.deps.Snapshots.Get(ctx, key, info.Version.SnapshotID)
		if err == nil {
			info.Snapshot = &meta
		} else {
			s.logger.Warn("snapshot version without metadata",
				slog.String("series", key.String()),
				slog.String("version", info.Version.String()),
			)
		}
	}

	points, err := s.deps.Gateway.Query(ctx, key, info.Version, domain.AllTime())
	if err != nil {
		return err
	}
	n := len(points)
	info.PointCount = &n
	if n > 0 {
		domain.SortPoints(points)
		start, end := points[0].Timestamp, points[n-1].Timestamp
		info.StartDate, info.EndDate = &start, &end
	}
	return nil
}

// FieldDiff compares one field at one timestamp. PctChange is nil when the
// base value is zero.
type FieldDiff struct {
	Field     domain.Field `json:"field"`
	V1        float64      `json:"v1"`
	V2        float64      `json:"v2"`
	Delta     float64      `json:"delta"`
	PctChange *float64     `json:"pct_change"`
}

// PointDiff is the comparison at a timestamp present in both versions.
type PointDiff struct {
	Timestamp time.Time   `json:"timestamp"`
	Changed   bool        `json:"changed"`
	Fields    []FieldDiff `json:"fields"`
}

// Diff is the result of CompareVersions.
type Diff struct {
	SeriesKey    domain.SeriesKey `json:"series_key"`
	V1           domain.Version   `json:"v1"`
	V2           domain.Version   `json:"v2"`
	Range        domain.TimeRange `json:"range"`
	Shared       []PointDiff      `json:"shared"`
	OnlyInV1     []time.Time      `json:"only_in_v1"`
	OnlyInV2     []time.Time      `json:"only_in_v2"`
	ChangedCount int              `json:"changed_count"`
}

// Identical reports whether both versions hold the same points over the range.
func (d Diff) Identical() bool {
	return d.ChangedCount == 0 && len(d.OnlyInV1) == 0 && len(d.OnlyInV2) == 0
}

// CompareVersions aligns v1 and v2 by timestamp over r.
func (s *Store) CompareVersions(ctx context.Context, key domain.SeriesKey, v1, v2 domain.Version, r domain.TimeRange) (Diff, error) {
	if err := validate(key, r); err != nil {
		return Diff{}, err
	}
	var a, b []domain.MarketPoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		a, err = s.ReadVersion(gctx, key, v1, r)
		return err
	})
	g.Go(func() (err error) {
		b, err = s.ReadVersion(gctx, key, v2, r)
		return err
	})
	if err := g.Wait(); err != nil {
		return Diff{}, err
	}
	return diffPoints(key, v1, v2, r, a, b), nil
}

func diffPoints(key domain.SeriesKey, v1, v2 domain.Version, r domain.TimeRange, a, b []domain.MarketPoint) Diff {
	d := Diff{SeriesKey: key, V1: v1, V2: v2, Range: r}

	byTS := make(map[int64]domain.MarketPoint, len(b))
	for _, p := range b {
		byTS[p.Timestamp.UnixNano()] = p
	}
	seen := make(map[int64]bool, len(a))
	for _, p := range a {
		ts := p.Timestamp.UnixNano()
		seen[ts] = true
		q, ok := byTS[ts]
		if !ok {
			d.OnlyInV1 = append(d.OnlyInV1, p.Timestamp)
			continue
		}
		pd := PointDiff{Timestamp: p.Timestamp}
		for _, f := range domain.AllFields {
			x, y := p.Get(f), q.Get(f)
			fd := FieldDiff{Field: f, V1: x, V2: y, Delta: y - x, PctChange: PercentChange(x, y)}
			if fd.Delta != 0 {
				pd.Changed = true
			}
			pd.Fields = append(pd.Fields, fd)
		}
		if pd.Changed {
			d.ChangedCount++
		}
		d.Shared = append(d.Shared, pd)
	}
	for _, q := range b {
		if !seen[q.Timestamp.UnixNano()] {
			d.OnlyInV2 = append(d.OnlyInV2, q.Timestamp)
		}
	}

	sort.Slice(d.Shared, func(i, j int) bool { return d.Shared[i].Timestamp.Before(d.Shared[j].Timestamp) })
	sortTimes(d.OnlyInV1)
	sortTimes(d.OnlyInV2)
	return d
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

// PercentChange returns (to-from)/from*100, or nil when from is zero.
func PercentChange(from, to float64) *float64 {
	if from == 0 {
		return nil
	}
	pct := (to - from) / from * 100
	return &pct
}

// TagVersion attaches name=value to an existing version and audits it.
func (s *Store) TagVersion(ctx context.Context, key domain.SeriesKey, v domain.Version, name, value, user string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if name == "" {
		return fmt.Errorf("version: tag name is required: %w", domain.ErrValidation)
	}
	if err := s.requireVersion(ctx, key, v); err != nil {
		return err
	}
	if err := s.deps.Snapshots.SetTag(ctx, key, v, name, value); err != nil {
		return fmt.Errorf("version: tag %s: %w", v, err)
	}
	ev, err := domain.NewAuditEvent(domain.MeasurementVersionAudit, key, v, nil,
		domain.ActionTagVersion, user, domain.TagAuditMetadata{Name: name, Value: value}, s.now())
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if err := s.deps.Audit.Append(ctx, ev); err != nil {
		return fmt.Errorf("version: audit tag %s: %w", v, err)
	}
	return nil
}
