package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/version"
)

// SnapshotService is the write side the snapshot endpoints need.
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, req domain.SnapshotRequest) (domain.SnapshotMetadata, error)
	VerifySnapshot(ctx context.Context, key domain.SeriesKey, id string) (version.VerifyResult, error)
}

// VersionService is the read and tagging side of the version store.
type VersionService interface {
	GetSnapshot(ctx context.Context, key domain.SeriesKey, id string) (domain.SnapshotMetadata, error)
	ListVersions(ctx context.Context, key domain.SeriesKey, f version.ListFilter) ([]domain.VersionInfo, error)
	CompareVersions(ctx context.Context, key domain.SeriesKey, v1, v2 domain.Version, r domain.TimeRange) (version.Diff, error)
	TagVersion(ctx context.Context, key domain.SeriesKey, v domain.Version, name, value, user string) error
	GetVersionLineage(ctx context.Context, key domain.SeriesKey, v domain.Version, depth int) (domain.Lineage, error)
}

// SeriesHandler serves snapshot and version endpoints of one series.
type SeriesHandler struct {
	snapshots SnapshotService
	versions  VersionService
	logger    *slog.Logger
	now       func() time.Time
}

// NewSeriesHandler creates a SeriesHandler.
func NewSeriesHandler(snapshots SnapshotService, versions VersionService, logger *slog.Logger) *SeriesHandler {
	return &SeriesHandler{
		snapshots: snapshots,
		versions:  versions,
		logger:    logHandler(logger, "series"),
		now:       time.Now,
	}
}

type createSnapshotRequest struct {
	Range domain.TimeRange `json:"range"`
	domain.SnapshotRequest
}

// CreateSnapshot freezes latest over the requested range.
// POST /api/series/{instrument}/{timeframe}/snapshots
func (h *SeriesHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "create snapshot", err)
		return
	}
	var req createSnapshotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.CreatedBy = userOr(req.CreatedBy)

	meta, err := h.snapshots.CreateSnapshot(r.Context(), key, req.Range, req.SnapshotRequest)
	if err != nil {
		writeDomainError(w, r, h.logger, "create snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

// GetSnapshot returns snapshot metadata.
// GET /api/series/{instrument}/{timeframe}/snapshots/{id}
func (h *SeriesHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "get snapshot", err)
		return
	}
	meta, err := h.versions.GetSnapshot(r.Context(), key, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// VerifySnapshot recomputes a snapshot's hash. A mismatch is a valid answer
// and is returned with 200 and valid=false.
// POST /api/series/{instrument}/{timeframe}/snapshots/{id}/verify
func (h *SeriesHandler) VerifySnapshot(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "verify snapshot", err)
		return
	}
	res, err := h.snapshots.VerifySnapshot(r.Context(), key, r.PathValue("id"))
	if err != nil && !(errors.Is(err, domain.ErrIntegrity) && res.SnapshotID != "") {
		writeDomainError(w, r, h.logger, "verify snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type listVersionsResponse struct {
	SeriesKey domain.SeriesKey     `json:"series_key"`
	Versions  []domain.VersionInfo `json:"versions"`
}

// ListVersions lists the versions of a series.
// GET /api/series/{instrument}/{timeframe}/versions?kind=snapshot&purpose=backtest&metadata=true
func (h *SeriesHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list versions", err)
		return
	}
	f := version.ListFilter{
		Purpose:         r.URL.Query().Get("purpose"),
		IncludeMetadata: queryBool(r, "metadata"),
	}
	if s := r.URL.Query().Get("kind"); s != "" {
		kind, ok := parseKind(s)
		if !ok {
			badRequest(w, "kind must be one of latest, snapshot, adjustment")
			return
		}
		f.Kind = &kind
	}

	infos, err := h.versions.ListVersions(r.Context(), key, f)
	if err != nil {
		writeDomainError(w, r, h.logger, "list versions", err)
		return
	}
	if infos == nil {
		infos = []domain.VersionInfo{}
	}
	writeJSON(w, http.StatusOK, listVersionsResponse{SeriesKey: key, Versions: infos})
}

func parseKind(s string) (domain.VersionKind, bool) {
	for _, k := range []domain.VersionKind{domain.VersionLatest, domain.VersionSnapshot, domain.VersionAdjustment} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// CompareVersions diffs two versions over a range.
// GET /api/series/{instrument}/{timeframe}/compare?v1=snapshot_x&v2=latest&start=...&end=...
func (h *SeriesHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "compare versions", err)
		return
	}
	if r.URL.Query().Get("v1") == "" {
		badRequest(w, "v1 query parameter required")
		return
	}
	v1, err := queryVersion(r, "v1")
	if err != nil {
		writeDomainError(w, r, h.logger, "compare versions", err)
		return
	}
	v2, err := queryVersion(r, "v2")
	if err != nil {
		writeDomainError(w, r, h.logger, "compare versions", err)
		return
	}
	rng, err := queryRange(r, h.now())
	if err != nil {
		writeDomainError(w, r, h.logger, "compare versions", err)
		return
	}

	diff, err := h.versions.CompareVersions(r.Context(), key, v1, v2, rng)
	if err != nil {
		writeDomainError(w, r, h.logger, "compare versions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identical": diff.Identical(),
		"diff":      diff,
	})
}

type tagRequest struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	UserID string `json:"user_id"`
}

// TagVersion attaches a tag to an existing version.
// POST /api/series/{instrument}/{timeframe}/versions/{version}/tags
func (h *SeriesHandler) TagVersion(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "tag version", err)
		return
	}
	v, err := domain.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeDomainError(w, r, h.logger, "tag version", err)
		return
	}
	var req tagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.versions.TagVersion(r.Context(), key, v, req.Name, req.Value, userOr(req.UserID)); err != nil {
		writeDomainError(w, r, h.logger, "tag version", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": v,
		"name":    req.Name,
		"value":   req.Value,
	})
}

// Lineage returns the audit-graph neighbourhood of a version.
// GET /api/series/{instrument}/{timeframe}/versions/{version}/lineage?depth=5
func (h *SeriesHandler) Lineage(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "lineage", err)
		return
	}
	v, err := domain.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeDomainError(w, r, h.logger, "lineage", err)
		return
	}
	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		writeDomainError(w, r, h.logger, "lineage", err)
		return
	}
	lin, err := h.versions.GetVersionLineage(r.Context(), key, v, depth)
	if err != nil {
		writeDomainError(w, r, h.logger, "lineage", err)
		return
	}
	writeJSON(w, http.StatusOK, lin)
}
