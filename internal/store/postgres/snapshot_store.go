package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore and domain.Purger.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const upsertTag = `
	INSERT INTO version_tags (instrument, timeframe, version, name, value)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (instrument, timeframe, version, name) DO UPDATE SET
		value      = EXCLUDED.value,
		updated_at = NOW()`

const snapshotColumns = `
	instrument, timeframe, snapshot_id, schema_version, created_at, created_by,
	purpose, strategy_id, source_versions, data_hash, point_count,
	start_date, end_date, tags`

// Save inserts snapshot metadata. A second save of the same id fails with
// domain.ErrConflict.
func (s *SnapshotStore) Save(ctx context.Context, meta domain.SnapshotMetadata) error {
	tags, err := json.Marshal(nonNil(meta.Tags))
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot tags: %w", err)
	}
	sources := meta.SourceVersions
	if sources == nil {
		sources = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		meta.SeriesKey.Instrument, string(meta.SeriesKey.Timeframe), meta.SnapshotID,
		meta.SchemaVersion, meta.CreatedAt.UTC(), meta.CreatedBy,
		meta.Purpose, meta.StrategyID, sources, meta.DataHash, meta.PointCount,
		meta.StartDate.UTC(), meta.EndDate.UTC(), tags,
	)
	if err != nil {
		return wrap("save snapshot "+meta.SnapshotID, err)
	}
	return nil
}

// Get returns the metadata of one snapshot.
func (s *SnapshotStore) Get(ctx context.Context, key domain.SeriesKey, snapshotID string) (domain.SnapshotMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE instrument = $1 AND timeframe = $2 AND snapshot_id = $3`,
		key.Instrument, string(key.Timeframe), snapshotID,
	)
	meta, err := scanSnapshot(row)
	if err != nil {
		return domain.SnapshotMetadata{}, fmt.Errorf("postgres: snapshot %s of %s: %w", snapshotID, key, err)
	}
	return meta, nil
}

// List returns snapshot metadata oldest first, for one series or all.
func (s *SnapshotStore) List(ctx context.Context, key *domain.SeriesKey) ([]domain.SnapshotMetadata, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	var args []any
	if key != nil {
		query += ` WHERE instrument = $1 AND timeframe = $2`
		args = append(args, key.Instrument, string(key.Timeframe))
	}
	query += ` ORDER BY created_at, snapshot_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list snapshots", err)
	}
	defer rows.Close()

	var out []domain.SnapshotMetadata
	for rows.Next() {
		meta, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list snapshots: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list snapshots rows", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (domain.SnapshotMetadata, error) {
	var (
		m         domain.SnapshotMetadata
		timeframe string
		tags      []byte
	)
	err := row.Scan(&m.SeriesKey.Instrument, &timeframe, &m.SnapshotID, &m.SchemaVersion,
		&m.CreatedAt, &m.CreatedBy, &m.Purpose, &m.StrategyID, &m.SourceVersions,
		&m.DataHash, &m.PointCount, &m.StartDate, &m.EndDate, &tags)
	if err != nil {
		return domain.SnapshotMetadata{}, classify(err)
	}
	m.SeriesKey.Timeframe = domain.Timeframe(timeframe)
	m.CreatedAt = m.CreatedAt.UTC()
	m.StartDate = m.StartDate.UTC()
	m.EndDate = m.EndDate.UTC()
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &m.Tags); err != nil {
			return domain.SnapshotMetadata{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	return m, nil
}

// SetTag attaches name=value to version v.
func (s *SnapshotStore) SetTag(ctx context.Context, key domain.SeriesKey, v domain.Version, name, value string) error {
	if _, err := s.pool.Exec(ctx, upsertTag, key.Instrument, string(key.Timeframe), v.String(), name, value); err != nil {
		return wrap("set tag "+name, err)
	}
	return nil
}

// Tags returns the tags on version v.
func (s *SnapshotStore) Tags(ctx context.Context, key domain.SeriesKey, v domain.Version) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, value FROM version_tags
		WHERE instrument = $1 AND timeframe = $2 AND version = $3`,
		key.Instrument, string(key.Timeframe), v.String(),
	)
	if err != nil {
		return nil, wrap("tags "+v.String(), err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, wrap("scan tag", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("tags rows", err)
	}
	return out, nil
}

// PurgeSnapshot deletes the snapshot's points, tags, metadata and audit rows
// and records the deletion event in one transaction.
func (s *SnapshotStore) PurgeSnapshot(ctx context.Context, key domain.SeriesKey, snapshotID string, deletion domain.AuditEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin purge", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM snapshots WHERE instrument = $1 AND timeframe = $2 AND snapshot_id = $3`,
		key.Instrument, string(key.Timeframe), snapshotID,
	)
	if err != nil {
		return wrap("purge metadata "+snapshotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: purge snapshot %s of %s: %w", snapshotID, key, domain.ErrNotFound)
	}

	v := domain.SnapshotVersion(snapshotID)
	if err := deletePoints(ctx, tx, key, v, domain.AllTime()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM version_tags WHERE instrument = $1 AND timeframe = $2 AND version = $3`,
		key.Instrument, string(key.Timeframe), v.String(),
	); err != nil {
		return wrap("purge tags "+snapshotID, err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM audit_events WHERE instrument = $1 AND timeframe = $2 AND version = $3`,
		key.Instrument, string(key.Timeframe), v.String(),
	); err != nil {
		return wrap("purge audit "+snapshotID, err)
	}
	if _, err := tx.Exec(ctx, insertAudit, auditArgs(deletion)...); err != nil {
		return wrap("record deletion "+snapshotID, err)
	}
	return wrap("commit purge", tx.Commit(ctx))
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var (
	_ domain.SnapshotStore = (*SnapshotStore)(nil)
	_ domain.Purger        = (*SnapshotStore)(nil)
)
