// Package audithttp exposes the audit timeline, CSV export, and chain
// verification endpoints.
package audithttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/shared"
)

const (
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// Handler serves audit ledger reads. The ledger has no mutating endpoint.
type Handler struct {
	logger *slog.Logger
	ledger *audit.Ledger
	now    func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, ledger *audit.Ledger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	result, err := h.ledger.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	rows, err := h.ledger.Export(r.Context(), filters)
	if err != nil {
		h.serverError(w, "export audit timeline", err)
		return
	}
	data, err := audit.WriteCSV(rows)
	if err != nil {
		h.serverError(w, "render audit csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_timeline.csv"`)
	_, _ = w.Write(data)
}

type verifyForm struct {
	FromSeq int64 `json:"fromSeq"`
	ToSeq   int64 `json:"toSeq"`
}

// handleVerify recomputes the chain over a range. An invalid result is
// returned with 200 so the caller sees brokenAt; it is also logged loudly
// since it is fatal to trust in the range.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var form verifyForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	result, err := h.ledger.VerifyChain(r.Context(), form.FromSeq, form.ToSeq)
	if err != nil {
		h.serverError(w, "verify audit chain", err)
		return
	}
	if !result.Valid {
		brokenAt := int64(-1)
		if result.BrokenAt != nil {
			brokenAt = *result.BrokenAt
		}
		h.logger.Error("audit chain integrity failure",
			slog.Int64("broken_at", brokenAt),
			slog.Int64("from", form.FromSeq),
			slog.Int64("to", form.ToSeq))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		Category: q.Get("category"),
		Action:   q.Get("action"),
	}
	if raw := q.Get("actor"); raw != "" {
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filters, errors.New("actor must be numeric")
		}
		filters.ActorID = actorID
	}
	if raw := q.Get("correlation"); raw != "" {
		corrID, err := uuid.Parse(raw)
		if err != nil {
			return filters, errors.New("correlation must be a UUID")
		}
		filters.CorrelationID = corrID
	}
	now := h.now().UTC()
	filters.From = now.Add(-defaultDateRange)
	filters.To = now
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errors.New("from must be RFC3339")
		}
		filters.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errors.New("to must be RFC3339")
		}
		filters.To = t
	}
	if filters.To.Sub(filters.From) > maxDateRange {
		return filters, errors.New("date range exceeds 90 days")
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}
	return filters, nil
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	if errors.Is(err, shared.ErrUnavailable) {
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
