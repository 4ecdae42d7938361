package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// multipartThreshold switches uploads to the transfer manager.
const multipartThreshold = 16 * 1024 * 1024

// archiveHeader is the first JSONL line of a snapshot archive.
type archiveHeader struct {
	Kind     string                  `json:"kind"`
	Snapshot domain.SnapshotMetadata `json:"snapshot"`
}

const headerKind = "ohlcv_snapshot"

// Archiver implements domain.SnapshotArchiver. Archives are JSONL: one header
// line with the snapshot metadata, then one line per point.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchiver creates an Archiver. reader may be nil when archives are only
// written.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// ArchivePath is the object key of a snapshot archive:
//
//	archive/snapshots/AAPL/1d/<snapshot id>.jsonl
func ArchivePath(key domain.SeriesKey, snapshotID string) string {
	return path.Join(archivePrefix(key), snapshotID+".jsonl")
}

func archivePrefix(key domain.SeriesKey) string {
	return path.Join("archive", "snapshots", key.Instrument, string(key.Timeframe))
}

// ArchiveSnapshot uploads meta and points and returns the object key.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, meta domain.SnapshotMetadata, points []domain.MarketPoint) (string, error) {
	buf, err := marshalJSONL(archiveHeader{Kind: headerKind, Snapshot: meta}, points)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", meta.SnapshotID, err)
	}
	key := ArchivePath(meta.SeriesKey, meta.SnapshotID)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", meta.SnapshotID, err)
	}
	return key, nil
}

// LoadArchive reads back an archived snapshot.
func (a *Archiver) LoadArchive(ctx context.Context, key domain.SeriesKey, snapshotID string) (domain.SnapshotMetadata, []domain.MarketPoint, error) {
	if a.reader == nil {
		return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: archiver has no reader: %w", domain.ErrValidation)
	}
	p := ArchivePath(key, snapshotID)
	body, err := a.reader.Get(ctx, p)
	if err != nil {
		return domain.SnapshotMetadata{}, nil, err
	}
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: read %s: %w", p, err)
		}
		return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: %s is empty: %w", p, domain.ErrIntegrity)
	}
	var hdr archiveHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil || hdr.Kind != headerKind {
		return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: %s has no snapshot header: %w", p, domain.ErrIntegrity)
	}
	var points []domain.MarketPoint
	for sc.Scan() {
		var pt domain.MarketPoint
		if err := json.Unmarshal(sc.Bytes(), &pt); err != nil {
			return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: %s line %d: %w", p, len(points)+2, err)
		}
		points = append(points, pt)
	}
	if err := sc.Err(); err != nil {
		return domain.SnapshotMetadata{}, nil, fmt.Errorf("s3blob: read %s: %w", p, err)
	}
	return hdr.Snapshot, points, nil
}

// ListArchives returns the archived snapshots of key.
func (a *Archiver) ListArchives(ctx context.Context, key domain.SeriesKey) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: archiver has no reader: %w", domain.ErrValidation)
	}
	return a.reader.List(ctx, archivePrefix(key)+"/")
}

// marshalJSONL encodes header followed by each record, one compact JSON value
// per line.
func marshalJSONL[T any](header any, records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("jsonl encode header: %w", err)
	}
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.SnapshotArchiver = (*Archiver)(nil)
