package domain

import (
	"context"
	"time"
)

// Gateway is the backend time-series store. Writes are append-only; points
// are addressed by (series, version, timestamp).
type Gateway interface {
	Write(ctx context.Context, key SeriesKey, v Version, tags map[string]string, points []MarketPoint) error
	Query(ctx context.Context, key SeriesKey, v Version, r TimeRange) ([]MarketPoint, error)
	Delete(ctx context.Context, key SeriesKey, v Version, r TimeRange) error
	ListVersions(ctx context.Context, key SeriesKey) ([]Version, error)
	HealthCheck(ctx context.Context) error
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	Append(ctx context.Context, ev AuditEvent) error
	List(ctx context.Context, key SeriesKey, f AuditFilter) ([]AuditEvent, error)
}

// SnapshotStore persists snapshot metadata and version tags.
type SnapshotStore interface {
	Save(ctx context.Context, meta SnapshotMetadata) error
	Get(ctx context.Context, key SeriesKey, snapshotID string) (SnapshotMetadata, error)
	// List returns metadata for one series, or for every series when key is nil.
	List(ctx context.Context, key *SeriesKey) ([]SnapshotMetadata, error)
	SetTag(ctx context.Context, key SeriesKey, v Version, name, value string) error
	Tags(ctx context.Context, key SeriesKey, v Version) (map[string]string, error)
}

// Purger removes a snapshot's points, metadata, tags and audit rows and
// records the deletion event as one atomic unit.
type Purger interface {
	PurgeSnapshot(ctx context.Context, key SeriesKey, snapshotID string, deletion AuditEvent) error
}

// LockManager provides advisory locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Event bus channels.
const (
	ChannelSnapshots   = "ohlcv:snapshots"
	ChannelAnomalies   = "ohlcv:anomalies"
	ChannelAdjustments = "ohlcv:adjustments"
	ChannelRetention   = "ohlcv:retention"
	StreamAudit        = "ohlcv:audit"
)
