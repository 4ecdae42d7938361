package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// RetentionService enforces a retention policy.
type RetentionService interface {
	ApplyRetention(ctx context.Context, policy domain.RetentionPolicy, scope *domain.SeriesKey, dryRun bool, user string) (domain.RetentionReport, error)
}

// ArchiveLister lists the cold-storage copies of purged snapshots.
type ArchiveLister interface {
	ListArchives(ctx context.Context, key domain.SeriesKey) ([]domain.BlobInfo, error)
}

// RetentionHandler serves retention and archive endpoints.
type RetentionHandler struct {
	svc      RetentionService
	archives ArchiveLister
	policy   domain.RetentionPolicy
	logger   *slog.Logger
}

// NewRetentionHandler creates a RetentionHandler. policy is used when a
// request carries none; archives may be nil when archival is disabled.
func NewRetentionHandler(svc RetentionService, archives ArchiveLister, policy domain.RetentionPolicy, logger *slog.Logger) *RetentionHandler {
	return &RetentionHandler{svc: svc, archives: archives, policy: policy, logger: logHandler(logger, "retention")}
}

type retentionRequest struct {
	Policy *domain.RetentionPolicy `json:"policy,omitempty"`
	Scope  *domain.SeriesKey       `json:"scope,omitempty"`
	// DryRun defaults to true; deletion must be asked for explicitly.
	DryRun *bool  `json:"dry_run,omitempty"`
	UserID string `json:"user_id"`
}

// Apply evaluates, and unless dry_run, enforces the retention policy.
// POST /api/retention/apply
func (h *RetentionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	policy := h.policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	dryRun := req.DryRun == nil || *req.DryRun
	user := userOr(req.UserID)

	rep, err := h.svc.ApplyRetention(r.Context(), policy, req.Scope, dryRun, user)
	if err != nil && rep.EvaluatedAt.IsZero() {
		writeDomainError(w, r, h.logger, "apply retention", err)
		return
	}
	if err != nil {
		// Partial runs still report what was deleted.
		h.logger.WarnContext(r.Context(), "handler: retention finished with errors",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
	}
	h.logger.InfoContext(r.Context(), "handler: retention applied",
		slog.Bool("dry_run", dryRun),
		slog.Int("candidates", len(rep.Candidates)),
		slog.Int("deleted", len(rep.Deleted)),
		slog.Int("failures", len(rep.Failures)),
	)
	writeJSON(w, http.StatusOK, rep)
}

// ListArchives lists archived snapshots of a series.
// GET /api/series/{instrument}/{timeframe}/archives
func (h *RetentionHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, domain.KindNotFound, "snapshot archival is not enabled")
		return
	}
	key, err := seriesKey(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	infos, err := h.archives.ListArchives(r.Context(), key)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"series_key": key, "archives": infos})
}
