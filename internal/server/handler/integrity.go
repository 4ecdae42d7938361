package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/anomaly"
	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/reconcile"
	"github.com/cdandre2010/ohlcvault/internal/service"
)

// IntegrityService runs scans, reconciliations and adjustments.
type IntegrityService interface {
	ScanAnomalies(ctx context.Context, key domain.SeriesKey, req service.ScanRequest) (service.ScanResult, error)
	Reconcile(ctx context.Context, key domain.SeriesKey, external []domain.MarketPoint, r domain.TimeRange, opts reconcile.Options) (reconcile.Report, error)
	ApplyAdjustment(ctx context.Context, req domain.AdjustmentRequest) (adjust.Result, error)
}

// AdjustmentLister reads the adjustment history of a series.
type AdjustmentLister interface {
	ListAdjustments(ctx context.Context, key domain.SeriesKey) ([]domain.AdjustmentRecord, error)
}

// IntegrityHandler serves anomaly, reconciliation and adjustment endpoints.
type IntegrityHandler struct {
	svc         IntegrityService
	adjustments AdjustmentLister
	logger      *slog.Logger
}

// NewIntegrityHandler creates an IntegrityHandler.
func NewIntegrityHandler(svc IntegrityService, adjustments AdjustmentLister, logger *slog.Logger) *IntegrityHandler {
	return &IntegrityHandler{svc: svc, adjustments: adjustments, logger: logHandler(logger, "integrity")}
}

type scanRequest struct {
	Range    domain.TimeRange `json:"range"`
	Lookback string           `json:"lookback,omitempty"`
	Version  domain.Version   `json:"version"`
	Types    []string         `json:"types,omitempty"`
	UserID   string           `json:"user_id"`
}

// ScanAnomalies runs the anomaly detector over a version.
// POST /api/series/{instrument}/{timeframe}/anomalies/scan
func (h *IntegrityHandler) ScanAnomalies(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "anomaly scan", err)
		return
	}
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rng, err := domain.ApplyLookback(req.Range, req.Lookback)
	if err != nil {
		writeDomainError(w, r, h.logger, "anomaly scan", err)
		return
	}
	types := make([]domain.AnomalyType, 0, len(req.Types))
	for _, s := range req.Types {
		t, err := anomaly.ParseType(s)
		if err != nil {
			writeDomainError(w, r, h.logger, "anomaly scan", err)
			return
		}
		types = append(types, t)
	}

	res, err := h.svc.ScanAnomalies(r.Context(), key, service.ScanRequest{
		Range:   rng,
		Version: req.Version,
		Types:   types,
		UserID:  userOr(req.UserID),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "anomaly scan", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reconcileRequest struct {
	Range    domain.TimeRange     `json:"range"`
	External []domain.MarketPoint `json:"external"`
	reconcile.Options
}

// Reconcile compares latest with an external series and optionally applies
// the recommended adjustment.
// POST /api/series/{instrument}/{timeframe}/reconcile
func (h *IntegrityHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "reconcile", err)
		return
	}
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.UserID = userOr(req.UserID)

	rep, err := h.svc.Reconcile(r.Context(), key, req.External, req.Range, req.Options)
	if err != nil {
		writeDomainError(w, r, h.logger, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ApplyAdjustment applies a manual adjustment. The series key in the path
// overrides the body.
// POST /api/series/{instrument}/{timeframe}/adjustments
func (h *IntegrityHandler) ApplyAdjustment(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "apply adjustment", err)
		return
	}
	var req domain.AdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.SeriesKey = key
	req.UserID = userOr(req.UserID)
	if req.Source == "" {
		req.Source = "manual"
	}

	res, err := h.svc.ApplyAdjustment(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type listAdjustmentsResponse struct {
	SeriesKey   domain.SeriesKey          `json:"series_key"`
	Adjustments []domain.AdjustmentRecord `json:"adjustments"`
}

// ListAdjustments returns the adjustment history, oldest first.
// GET /api/series/{instrument}/{timeframe}/adjustments
func (h *IntegrityHandler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list adjustments", err)
		return
	}
	recs, err := h.adjustments.ListAdjustments(r.Context(), key)
	if err != nil {
		writeDomainError(w, r, h.logger, "list adjustments", err)
		return
	}
	if recs == nil {
		recs = []domain.AdjustmentRecord{}
	}
	writeJSON(w, http.StatusOK, listAdjustmentsResponse{SeriesKey: key, Adjustments: recs})
}
