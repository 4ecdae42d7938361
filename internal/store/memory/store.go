// Package memory is an in-process backend implementing the vault's storage
// contracts. It backs local runs and package tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

type seriesData struct {
	versions map[domain.Version]map[int64]domain.MarketPoint
	tags     map[domain.Version]map[string]string
}

// Store holds points, snapshot metadata, version tags and audit events under
// a single mutex so a purge is atomic.
type Store struct {
	mu        sync.RWMutex
	series    map[domain.SeriesKey]*seriesData
	snapshots map[domain.SeriesKey]map[string]domain.SnapshotMetadata
	audit     []domain.AuditEvent
	nextID    int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		series:    make(map[domain.SeriesKey]*seriesData),
		snapshots: make(map[domain.SeriesKey]map[string]domain.SnapshotMetadata),
	}
}

func (s *Store) data(key domain.SeriesKey) *seriesData {
	d, ok := s.series[key]
	if !ok {
		d = &seriesData{
			versions: make(map[domain.Version]map[int64]domain.MarketPoint),
			tags:     make(map[domain.Version]map[string]string),
		}
		s.series[key] = d
	}
	return d
}

func clonePoint(p domain.MarketPoint) domain.MarketPoint {
	if p.AdjustmentFactor != nil {
		f := *p.AdjustmentFactor
		p.AdjustmentFactor = &f
	}
	return p
}

// Write upserts points by timestamp under latest. Any other version is
// written once; a second write to it fails with ErrConflict.
func (s *Store) Write(ctx context.Context, key domain.SeriesKey, v domain.Version, tags map[string]string, points []domain.MarketPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(key)
	pts, ok := d.versions[v]
	if ok && len(pts) > 0 && !v.IsLatest() {
		return fmt.Errorf("memory: write %s %s: version exists: %w", key, v, domain.ErrConflict)
	}
	if !ok {
		pts = make(map[int64]domain.MarketPoint, len(points))
		d.versions[v] = pts
	}
	for _, p := range points {
		p.Timestamp = p.Timestamp.UTC()
		pts[p.Timestamp.UnixNano()] = clonePoint(p)
	}
	if len(tags) > 0 {
		if d.tags[v] == nil {
			d.tags[v] = make(map[string]string, len(tags))
		}
		maps.Copy(d.tags[v], tags)
	}
	return nil
}

// Query returns the points of v inside r, sorted by timestamp.
func (s *Store) Query(ctx context.Context, key domain.SeriesKey, v domain.Version, r domain.TimeRange) ([]domain.MarketPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.series[key]
	if !ok {
		return nil, nil
	}
	var out []domain.MarketPoint
	for _, p := range d.versions[v] {
		if r.Contains(p.Timestamp) {
			out = append(out, clonePoint(p))
		}
	}
	domain.SortPoints(out)
	return out, nil
}

// Delete removes the points of v inside r. A version left with no points is
// dropped together with its tags.
func (s *Store) Delete(ctx context.Context, key domain.SeriesKey, v domain.Version, r domain.TimeRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key, v, r)
	return nil
}

func (s *Store) deleteLocked(key domain.SeriesKey, v domain.Version, r domain.TimeRange) {
	d, ok := s.series[key]
	if !ok {
		return
	}
	pts := d.versions[v]
	for ts, p := range pts {
		if r.Contains(p.Timestamp) {
			delete(pts, ts)
		}
	}
	if len(pts) == 0 {
		delete(d.versions, v)
		delete(d.tags, v)
	}
}

// ListVersions returns every version holding points, latest first, then by
// storage tag.
func (s *Store) ListVersions(ctx context.Context, key domain.SeriesKey) ([]domain.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.series[key]
	if !ok {
		return nil, nil
	}
	out := slices.Collect(maps.Keys(d.versions))
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsLatest() != out[j].IsLatest() {
			return out[i].IsLatest()
		}
		return out[i].String() < out[j].String()
	})
	return out, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Append records an audit event and assigns it an id.
func (s *Store) Append(ctx context.Context, ev domain.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(ev)
	return nil
}

func (s *Store) appendLocked(ev domain.AuditEvent) {
	s.nextID++
	ev.ID = s.nextID
	ev.Metadata = slices.Clone(ev.Metadata)
	s.audit = append(s.audit, ev)
}

// List returns the audit events of key matching f, oldest first.
func (s *Store) List(ctx context.Context, key domain.SeriesKey, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEvent
	for _, ev := range s.audit {
		if ev.SeriesKey != key || !matches(ev, f) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func matches(ev domain.AuditEvent, f domain.AuditFilter) bool {
	if f.Measurement != "" && ev.Measurement != f.Measurement {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Version != nil {
		related := ev.RelatedVersion != nil && *ev.RelatedVersion == *f.Version
		if ev.Version != *f.Version && !related {
			return false
		}
	}
	return true
}

// Save stores snapshot metadata. Metadata is write-once.
func (s *Store) Save(ctx context.Context, meta domain.SnapshotMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.snapshots[meta.SeriesKey]
	if !ok {
		byID = make(map[string]domain.SnapshotMetadata)
		s.snapshots[meta.SeriesKey] = byID
	}
	if _, exists := byID[meta.SnapshotID]; exists {
		return fmt.Errorf("memory: snapshot %s already saved: %w", meta.SnapshotID, domain.ErrConflict)
	}
	meta.Tags = maps.Clone(meta.Tags)
	byID[meta.SnapshotID] = meta
	return nil
}

// Get returns the metadata of one snapshot.
func (s *Store) Get(ctx context.Context, key domain.SeriesKey, snapshotID string) (domain.SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.SnapshotMetadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.snapshots[key][snapshotID]
	if !ok {
		return domain.SnapshotMetadata{}, fmt.Errorf("memory: snapshot %s of %s: %w", snapshotID, key, domain.ErrNotFound)
	}
	meta.Tags = maps.Clone(meta.Tags)
	return meta, nil
}

// ListSnapshots returns snapshot metadata oldest first, for one series or all.
func (s *Store) ListSnapshots(ctx context.Context, key *domain.SeriesKey) ([]domain.SnapshotMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SnapshotMetadata
	for k, byID := range s.snapshots {
		if key != nil && k != *key {
			continue
		}
		for _, m := range byID {
			m.Tags = maps.Clone(m.Tags)
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SnapshotID < out[j].SnapshotID
	})
	return out, nil
}

// SetTag attaches name=value to version v.
func (s *Store) SetTag(ctx context.Context, key domain.SeriesKey, v domain.Version, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(key)
	if d.tags[v] == nil {
		d.tags[v] = make(map[string]string)
	}
	d.tags[v][name] = value
	return nil
}

// Tags returns a copy of the tags on version v.
func (s *Store) Tags(ctx context.Context, key domain.SeriesKey, v domain.Version) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.series[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := maps.Clone(d.tags[v])
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

// PurgeSnapshot removes the snapshot's points, tags, metadata and audit rows
// and appends the deletion event, all under one lock acquisition.
func (s *Store) PurgeSnapshot(ctx context.Context, key domain.SeriesKey, snapshotID string, deletion domain.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[key][snapshotID]; !ok {
		return fmt.Errorf("memory: purge snapshot %s of %s: %w", snapshotID, key, domain.ErrNotFound)
	}
	v := domain.SnapshotVersion(snapshotID)
	s.deleteLocked(key, v, domain.AllTime())
	if d, ok := s.series[key]; ok {
		delete(d.tags, v)
	}
	delete(s.snapshots[key], snapshotID)

	kept := s.audit[:0]
	for _, ev := range s.audit {
		if ev.SeriesKey == key && ev.Version == v {
			continue
		}
		kept = append(kept, ev)
	}
	s.audit = kept
	s.appendLocked(deletion)
	return nil
}

var (
	_ domain.Gateway    = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
	_ domain.Purger     = (*Store)(nil)
)

// Snapshots adapts the Store to domain.SnapshotStore, whose List method would
// otherwise collide with the audit listing.
func (s *Store) Snapshots() *SnapshotStore { return &SnapshotStore{s: s} }

// SnapshotStore is the domain.SnapshotStore view of a Store.
type SnapshotStore struct{ s *Store }

func (v *SnapshotStore) Save(ctx context.Context, meta domain.SnapshotMetadata) error {
	return v.s.Save(ctx, meta)
}

func (v *SnapshotStore) Get(ctx context.Context, key domain.SeriesKey, id string) (domain.SnapshotMetadata, error) {
	return v.s.Get(ctx, key, id)
}

func (v *SnapshotStore) List(ctx context.Context, key *domain.SeriesKey) ([]domain.SnapshotMetadata, error) {
	return v.s.ListSnapshots(ctx, key)
}

func (v *SnapshotStore) SetTag(ctx context.Context, key domain.SeriesKey, ver domain.Version, name, value string) error {
	return v.s.SetTag(ctx, key, ver, name, value)
}

func (v *SnapshotStore) Tags(ctx context.Context, key domain.SeriesKey, ver domain.Version) (map[string]string, error) {
	return v.s.Tags(ctx, key, ver)
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
