package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/adjust"
	"github.com/cdandre2010/ohlcvault/internal/domain"
)

// maxBodyBytes bounds request bodies; reconciliation payloads carry whole
// external series.
const maxBodyBytes = 32 << 20

// defaultUser is recorded in the audit trail when a request names no user.
const defaultUser = "api"

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"kind":"internal","message":"internal server error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorBody struct {
	Kind       domain.ErrorKind `json:"kind"`
	Message    string           `json:"message"`
	SnapshotID string           `json:"snapshot_id,omitempty"`
}

// writeError sends {"error":{"kind":...,"message":...}}.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Message: msg}})
}

// statusFor maps an error kind to the HTTP status returned to callers.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound, domain.KindNoData:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindIntegrity:
		return http.StatusUnprocessableEntity
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError classifies err and writes the matching response. Internal
// errors are logged and their text withheld.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Kind: kind, Message: err.Error()}

	var adjErr *adjust.AdjustmentError
	if errors.As(err, &adjErr) {
		body.SnapshotID = adjErr.SnapshotID
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		if kind == domain.KindInternal {
			body.Message = op + " failed"
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, domain.KindValidation, msg)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// seriesKey extracts and validates {instrument}/{timeframe}.
func seriesKey(r *http.Request) (domain.SeriesKey, error) {
	key := domain.SeriesKey{
		Instrument: r.PathValue("instrument"),
		Timeframe:  domain.Timeframe(r.PathValue("timeframe")),
	}
	if err := key.Validate(); err != nil {
		return domain.SeriesKey{}, err
	}
	return key, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(name, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s: %q is not an RFC 3339 timestamp or date: %w", name, s, domain.ErrValidation)
}

// queryRange reads start, end and the optional lookback from the query
// string. end defaults to now; start is required unless a lookback is given.
func queryRange(r *http.Request, now time.Time) (domain.TimeRange, error) {
	q := r.URL.Query()
	rng := domain.TimeRange{End: now.UTC()}
	var err error
	if s := q.Get("end"); s != "" {
		if rng.End, err = parseTime("end", s); err != nil {
			return domain.TimeRange{}, err
		}
	}
	lookback := q.Get("lookback")
	switch s := q.Get("start"); {
	case s != "":
		if rng.Start, err = parseTime("start", s); err != nil {
			return domain.TimeRange{}, err
		}
	case lookback != "":
		rng.Start = rng.End
	default:
		return domain.TimeRange{}, fmt.Errorf("start or lookback is required: %w", domain.ErrValidation)
	}
	if lookback != "" {
		if rng, err = domain.ApplyLookback(rng, lookback); err != nil {
			return domain.TimeRange{}, err
		}
	}
	if err := rng.Validate(); err != nil {
		return domain.TimeRange{}, err
	}
	return rng, nil
}

// queryVersion reads a version query parameter, defaulting to latest.
func queryVersion(r *http.Request, name string) (domain.Version, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return domain.Latest(), nil
	}
	return domain.ParseVersion(s)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer: %w", name, s, domain.ErrValidation)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func userOr(id string) string {
	if id == "" {
		return defaultUser
	}
	return id
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
