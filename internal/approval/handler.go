package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

const (
	createRateLimit  = 10
	createRateWindow = time.Minute
)

// Handler wires HTTP endpoints for the approval workflow.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbacMW rbac.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbacMW,
		validator: validator.New(),
	}
}

// MountRoutes registers approval routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(createRateLimit, createRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
	)
	r.Route("/approvals", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.Post("/", h.handleCreate)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(rbac.PermApprovalView))
			r.Get("/", h.handleList)
			r.Get("/{id}", h.handleGet)
		})
		r.Post("/{id}/vote", h.handleVote)
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/execution", h.handleRecordExecution)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return fmt.Sprintf("operator:%d", actor.OperatorID), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type createForm struct {
	Type           string          `json:"type" validate:"required"`
	Action         string          `json:"action" validate:"required"`
	TargetResource string          `json:"targetResource"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason" validate:"required,min=10"`
}

type createResponse struct {
	Request Request `json:"request"`
	// Token is the single-use approval token, shown exactly once.
	Token string `json:"token"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var form createForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	req, token, err := h.service.Create(r.Context(), actor, CreateInput{
		Type:           RequestType(form.Type),
		Action:         form.Action,
		TargetResource: form.TargetResource,
		Payload:        form.Payload,
		Reason:         form.Reason,
	})
	if err != nil {
		h.respondError(w, "create approval", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createResponse{Request: req, Token: token})
}

type voteForm struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Reason   string `json:"reason"`
	// Token lets tokenized approval links prove possession; optional for
	// operators voting from the console.
	Token string `json:"token"`
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "approval id must be a UUID")
		return
	}
	var form voteForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if form.Token != "" {
		req, err := h.service.Get(r.Context(), id)
		if err != nil {
			h.respondError(w, "vote approval", err)
			return
		}
		if err := h.service.VerifyToken(req, form.Token); err != nil {
			h.respondError(w, "vote approval", err)
			return
		}
	}

	decided, err := h.service.Vote(r.Context(), actor, id, Decision(form.Decision), form.Reason)
	if err != nil {
		h.respondError(w, "vote approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decided)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "approval id must be a UUID")
		return
	}
	if err := h.service.Cancel(r.Context(), actor, id); err != nil {
		h.respondError(w, "cancel approval", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executionForm struct {
	Result json.RawMessage `json:"result" validate:"required"`
}

func (h *Handler) handleRecordExecution(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "approval id must be a UUID")
		return
	}
	var form executionForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	executed, err := h.service.RecordExecution(r.Context(), actor, id, form.Result)
	if err != nil {
		h.respondError(w, "record execution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, executed)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "approval id must be a UUID")
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters := ListFilters{
		Status: Status(r.URL.Query().Get("status")),
		Type:   RequestType(r.URL.Query().Get("type")),
	}
	reqs, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.respondError(w, "list approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// respondError maps workflow errors onto the problem taxonomy. Denials and
// conflicts carry machine-readable codes so operators know which gate
// blocked them.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrValidation), errors.Is(err, ErrReasonShort), errors.Is(err, ErrReasonNeeded):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrQuotaExceeded):
		httpx.ProblemWithCode(w, http.StatusTooManyRequests, "Quota Exceeded", err.Error(),
			"quota_exceeded", "wait for pending requests to be decided or cancel one")
	case errors.Is(err, ErrNotPending):
		httpx.ProblemWithCode(w, http.StatusConflict, "Already Decided", err.Error(),
			"not_pending", "fetch the request to see its final state")
	case errors.Is(err, ErrTokenExpired):
		httpx.ProblemWithCode(w, http.StatusConflict, "Token Expired", err.Error(),
			"token_expired", "create a fresh approval request")
	case errors.Is(err, ErrSelfApproval):
		httpx.ProblemWithCode(w, http.StatusForbidden, "Self-Approval Forbidden", err.Error(),
			"self_approval_forbidden", "a second operator must vote")
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotRequester), errors.Is(err, ErrBadToken):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, ErrNotApproved):
		httpx.ProblemWithCode(w, http.StatusConflict, "Not Approved", err.Error(),
			"not_approved", "execution results can only be recorded for approved requests")
	case errors.Is(err, shared.ErrUnavailable):
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
