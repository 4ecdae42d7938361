package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// AuditStore implements domain.AuditStore on the audit_events table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const insertAudit = `
	INSERT INTO audit_events (measurement, instrument, timeframe, version, related_version, action, user_id, metadata, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func auditArgs(ev domain.AuditEvent) []any {
	var related *string
	if ev.RelatedVersion != nil {
		s := ev.RelatedVersion.String()
		related = &s
	}
	var md []byte
	if len(ev.Metadata) > 0 {
		md = ev.Metadata
	}
	return []any{
		string(ev.Measurement), ev.SeriesKey.Instrument, string(ev.SeriesKey.Timeframe),
		ev.Version.String(), related, ev.Action, ev.UserID, md, ev.Timestamp.UTC(),
	}
}

// Append records an audit event.
func (s *AuditStore) Append(ctx context.Context, ev domain.AuditEvent) error {
	if _, err := s.pool.Exec(ctx, insertAudit, auditArgs(ev)...); err != nil {
		return wrap("append audit "+ev.Action, err)
	}
	return nil
}

// List returns the events of key matching f, oldest first. With a limit the
// newest f.Limit events are kept.
func (s *AuditStore) List(ctx context.Context, key domain.SeriesKey, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	query := `
		SELECT id, measurement, version, related_version, action, user_id, metadata, ts
		FROM audit_events WHERE instrument = $1 AND timeframe = $2`
	args := []any{key.Instrument, string(key.Timeframe)}
	argIdx := 3

	if f.Measurement != "" {
		query += fmt.Sprintf(" AND measurement = $%d", argIdx)
		args = append(args, string(f.Measurement))
		argIdx++
	}
	if f.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, f.Action)
		argIdx++
	}
	if f.Version != nil {
		query += fmt.Sprintf(" AND (version = $%d OR related_version = $%d)", argIdx, argIdx)
		args = append(args, f.Version.String())
		argIdx++
	}

	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list audit "+key.String(), err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		ev.SeriesKey = key
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list audit rows", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanAudit(row pgx.Row) (domain.AuditEvent, error) {
	var (
		ev               domain.AuditEvent
		measurement, ver string
		related          *string
		metadata         []byte
	)
	if err := row.Scan(&ev.ID, &measurement, &ver, &related, &ev.Action, &ev.UserID, &metadata, &ev.Timestamp); err != nil {
		return domain.AuditEvent{}, wrap("scan audit event", err)
	}
	ev.Measurement = domain.Measurement(measurement)
	v, err := domain.ParseVersion(ver)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("postgres: audit event %d: %w", ev.ID, err)
	}
	ev.Version = v
	if related != nil {
		rv, err := domain.ParseVersion(*related)
		if err != nil {
			return domain.AuditEvent{}, fmt.Errorf("postgres: audit event %d related: %w", ev.ID, err)
		}
		ev.RelatedVersion = &rv
	}
	ev.Metadata = metadata
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
