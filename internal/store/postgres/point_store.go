package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// PointStore implements domain.Gateway on the ohlcv_points table.
type PointStore struct {
	pool *pgxpool.Pool
}

// NewPointStore creates a new PointStore.
func NewPointStore(pool *pgxpool.Pool) *PointStore {
	return &PointStore{pool: pool}
}

// insertPoint adds one bar. Latest upserts; every other version is insert
// only, so a racing second writer fails the unique key with ErrConflict.
func insertPoint(v domain.Version) string {
	const insert = `
		INSERT INTO ohlcv_points (
			instrument, timeframe, version, ts,
			open, high, low, close, volume,
			adjustment_factor, source_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if !v.IsLatest() {
		return insert
	}
	return insert + `
		ON CONFLICT (instrument, timeframe, version, ts) DO UPDATE SET
			open              = EXCLUDED.open,
			high              = EXCLUDED.high,
			low               = EXCLUDED.low,
			close             = EXCLUDED.close,
			volume            = EXCLUDED.volume,
			adjustment_factor = EXCLUDED.adjustment_factor,
			source_id         = EXCLUDED.source_id`
}

// Write stores points and merges tags in a single transaction. Versions other
// than latest are written once; writing to an existing one fails with
// ErrConflict.
func (s *PointStore) Write(ctx context.Context, key domain.SeriesKey, v domain.Version, tags map[string]string, points []domain.MarketPoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin write", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ver := v.String()
	if !v.IsLatest() {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ohlcv_points
				WHERE instrument = $1 AND timeframe = $2 AND version = $3
			)`, key.Instrument, string(key.Timeframe), ver).Scan(&exists)
		if err != nil {
			return wrap("check version", err)
		}
		if exists {
			return fmt.Errorf("postgres: write %s %s: version exists: %w", key, ver, domain.ErrConflict)
		}
	}

	batch := &pgx.Batch{}
	stmt := insertPoint(v)
	for _, p := range points {
		batch.Queue(stmt,
			key.Instrument, string(key.Timeframe), ver, p.Timestamp.UTC(),
			p.Open, p.High, p.Low, p.Close, p.Volume,
			p.AdjustmentFactor, p.SourceID,
		)
	}
	for name, value := range tags {
		batch.Queue(upsertTag, key.Instrument, string(key.Timeframe), ver, name, value)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return wrap(fmt.Sprintf("write %s %s item %d", key, ver, i), err)
			}
		}
		if err := br.Close(); err != nil {
			return wrap("close write batch", err)
		}
	}
	return wrap("commit write", tx.Commit(ctx))
}

// Query returns the points of v inside r, oldest first.
func (s *PointStore) Query(ctx context.Context, key domain.SeriesKey, v domain.Version, r domain.TimeRange) ([]domain.MarketPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, open, high, low, close, volume, adjustment_factor, source_id
		FROM ohlcv_points
		WHERE instrument = $1 AND timeframe = $2 AND version = $3
		  AND ts >= $4 AND ts <= $5
		ORDER BY ts`,
		key.Instrument, string(key.Timeframe), v.String(), r.Start.UTC(), r.End.UTC(),
	)
	if err != nil {
		return nil, wrap("query "+key.String(), err)
	}
	defer rows.Close()

	var out []domain.MarketPoint
	for rows.Next() {
		var p domain.MarketPoint
		if err := rows.Scan(&p.Timestamp, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume,
			&p.AdjustmentFactor, &p.SourceID); err != nil {
			return nil, wrap("scan point", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query rows", err)
	}
	return out, nil
}

// Delete removes the points of v inside r. Tags of a version left without
// points are removed in the same transaction.
func (s *PointStore) Delete(ctx context.Context, key domain.SeriesKey, v domain.Version, r domain.TimeRange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := deletePoints(ctx, tx, key, v, r); err != nil {
		return err
	}
	return wrap("commit delete", tx.Commit(ctx))
}

func deletePoints(ctx context.Context, tx pgx.Tx, key domain.SeriesKey, v domain.Version, r domain.TimeRange) error {
	ver := v.String()
	if _, err := tx.Exec(ctx, `
		DELETE FROM ohlcv_points
		WHERE instrument = $1 AND timeframe = $2 AND version = $3
		  AND ts >= $4 AND ts <= $5`,
		key.Instrument, string(key.Timeframe), ver, r.Start.UTC(), r.End.UTC(),
	); err != nil {
		return wrap("delete points "+ver, err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM version_tags t
		WHERE t.instrument = $1 AND t.timeframe = $2 AND t.version = $3
		  AND NOT EXISTS (
			SELECT 1 FROM ohlcv_points p
			WHERE p.instrument = t.instrument AND p.timeframe = t.timeframe AND p.version = t.version
		  )`,
		key.Instrument, string(key.Timeframe), ver,
	); err != nil {
		return wrap("delete orphan tags "+ver, err)
	}
	return nil
}

// ListVersions returns every version holding points, latest first.
func (s *PointStore) ListVersions(ctx context.Context, key domain.SeriesKey) ([]domain.Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT version FROM ohlcv_points
		WHERE instrument = $1 AND timeframe = $2`,
		key.Instrument, string(key.Timeframe),
	)
	if err != nil {
		return nil, wrap("list versions "+key.String(), err)
	}
	tags, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("list versions rows", err)
	}

	out := make([]domain.Version, 0, len(tags))
	for _, t := range tags {
		v, err := domain.ParseVersion(t)
		if err != nil {
			return nil, fmt.Errorf("postgres: stored version of %s: %w", key, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsLatest() != out[j].IsLatest() {
			return out[i].IsLatest()
		}
		return out[i].String() < out[j].String()
	})
	return out, nil
}

// HealthCheck pings the pool.
func (s *PointStore) HealthCheck(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

var _ domain.Gateway = (*PointStore)(nil)
