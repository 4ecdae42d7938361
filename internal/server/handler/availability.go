package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/availability"
	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// AvailabilityService answers coverage questions.
type AvailabilityService interface {
	FindMissingSegments(ctx context.Context, key domain.SeriesKey, r domain.TimeRange, v domain.Version) ([]availability.Segment, error)
	CheckRequirements(ctx context.Context, key domain.SeriesKey, req availability.Requirements) (availability.Report, error)
}

// AvailabilityHandler serves gap and coverage endpoints.
type AvailabilityHandler struct {
	analyzer AvailabilityService
	logger   *slog.Logger
	now      func() time.Time
}

// NewAvailabilityHandler creates an AvailabilityHandler.
func NewAvailabilityHandler(analyzer AvailabilityService, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{analyzer: analyzer, logger: logHandler(logger, "availability"), now: time.Now}
}

type gapsResponse struct {
	SeriesKey domain.SeriesKey       `json:"series_key"`
	Version   domain.Version         `json:"version"`
	Range     domain.TimeRange       `json:"range"`
	Segments  []availability.Segment `json:"segments"`
}

// Gaps lists the missing segments of a version over a range.
// GET /api/series/{instrument}/{timeframe}/availability/gaps?start=...&end=...&version=latest
func (h *AvailabilityHandler) Gaps(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "find gaps", err)
		return
	}
	rng, err := queryRange(r, h.now())
	if err != nil {
		writeDomainError(w, r, h.logger, "find gaps", err)
		return
	}
	v, err := queryVersion(r, "version")
	if err != nil {
		writeDomainError(w, r, h.logger, "find gaps", err)
		return
	}

	segs, err := h.analyzer.FindMissingSegments(r.Context(), key, rng, v)
	if err != nil {
		writeDomainError(w, r, h.logger, "find gaps", err)
		return
	}
	if segs == nil {
		segs = []availability.Segment{}
	}
	writeJSON(w, http.StatusOK, gapsResponse{SeriesKey: key, Version: v, Range: rng, Segments: segs})
}

// Check evaluates per-source coverage requirements.
// POST /api/series/{instrument}/{timeframe}/availability/check
func (h *AvailabilityHandler) Check(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "check availability", err)
		return
	}
	var req availability.Requirements
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rep, err := h.analyzer.CheckRequirements(r.Context(), key, req)
	if err != nil {
		writeDomainError(w, r, h.logger, "check availability", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
