package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/shared"
)

// ConfigChangeRequestType names the approval request type that authorizes a
// configuration update.
const ConfigChangeRequestType = "CONFIG_CHANGE"

// ApprovalGate consumes an approved request of the given type as proof of
// dual control, recording the execution result in the same step. Satisfied
// by the approval workflow manager.
type ApprovalGate interface {
	ConsumeApproved(ctx context.Context, actor shared.Actor, id uuid.UUID, requestType string, result json.RawMessage) error
}

// Handler exposes permission resolution and the catalog over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	approvals ApprovalGate
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbacMW Middleware, approvals ApprovalGate) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbacMW, approvals: approvals, validator: validator.New()}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.Post("/check", h.handleCheck)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(PermPermView))
			r.Get("/", h.handleCatalog)
		})
	})
	r.Route("/config", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(PermConfigView))
			r.Get("/", h.handleGetSettings)
		})
		// The update is approval-gated in the catalog; the request body must
		// reference an APPROVED, unexecuted CONFIG_CHANGE request, consumed
		// here as the execution hand-off.
		r.Put("/", h.handleUpdateSettings)
	})
}

type checkForm struct {
	Code  string   `json:"code"`
	Codes []string `json:"codes"`
	Mode  string   `json:"mode" validate:"omitempty,oneof=any all"`
}

// handleCheck resolves a verdict for the calling actor. Denials are not
// errors here; the verdict is the payload either way.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var form checkForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if form.Code == "" && len(form.Codes) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "code or codes required")
		return
	}

	var (
		verdict Verdict
		err     error
	)
	switch {
	case form.Code != "":
		verdict, err = h.service.Resolve(r.Context(), actor, form.Code)
	case form.Mode == "all":
		verdict, err = h.service.ResolveAll(r.Context(), actor, form.Codes...)
	default:
		verdict, err = h.service.ResolveAny(r.Context(), actor, form.Codes...)
	}
	if err != nil {
		if errors.Is(err, ErrUnknownRole) {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
		h.logger.Error("resolve permission", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"verdict": verdict,
		"hint":    verdict.Reason.Hint(),
	})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	perms := h.service.Catalog().Permissions()
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, map[string]any{
			"code":             p.Code.String(),
			"description":      p.Description,
			"risk":             p.Risk,
			"requiresMfa":      p.RequiresMFA,
			"requiresApproval": p.RequiresApproval,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		h.logger.Error("load settings", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

type updateSettingsForm struct {
	ApprovalID uuid.UUID `json:"approvalId"`
	Settings   Settings  `json:"settings"`
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	verdict, err := h.service.Resolve(r.Context(), actor, PermConfigUpdate)
	if err != nil || !verdict.Allowed {
		httpx.ProblemWithCode(w, http.StatusForbidden, "Forbidden",
			"configuration changes are gated", string(verdict.Reason), verdict.Reason.Hint())
		return
	}
	var form updateSettingsForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	settings := form.Settings

	if verdict.RequiresApproval {
		// Holding the permission is not enough; the change must consume an
		// approved request. No gate wired means no way to prove approval,
		// so the update fails closed.
		if h.approvals == nil || form.ApprovalID == uuid.Nil {
			httpx.ProblemWithCode(w, http.StatusConflict, "Approval Required",
				"configuration changes must reference an approved request",
				string(ReasonApprovalRequired), ReasonApprovalRequired.Hint())
			return
		}
		result, err := json.Marshal(settings)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
			return
		}
		if err := h.approvals.ConsumeApproved(r.Context(), actor, form.ApprovalID, ConfigChangeRequestType, result); err != nil {
			h.logger.Warn("config change approval rejected",
				slog.String("approval_id", form.ApprovalID.String()), slog.Any("error", err))
			httpx.ProblemWithCode(w, http.StatusConflict, "Approval Required",
				"referenced request does not authorize this change",
				string(ReasonApprovalRequired), ReasonApprovalRequired.Hint())
			return
		}
	}

	before, err := h.service.Settings(r.Context())
	if err != nil {
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	if err := h.service.UpdateSettings(r.Context(), settings); err != nil {
		h.logger.Error("update settings", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	if err := h.auditConfigChange(r, actor, before, settings); err != nil {
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

func (h *Handler) auditConfigChange(r *http.Request, actor shared.Actor, before, after Settings) error {
	if h.rbac.Ledger == nil {
		return nil
	}
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	_, err := h.rbac.Ledger.Append(r.Context(), audit.Entry{
		ActorID:      actor.OperatorID,
		Action:       audit.ActionConfigUpdated,
		Category:     audit.CategoryConfig,
		ResourceType: "rbac_config",
		ResourceID:   "1",
		Caller: audit.CallerContext{
			OriginIP:  actor.OriginIP,
			ClientID:  actor.UserAgent,
			SessionID: actor.SessionID,
		},
		Before:        beforeJSON,
		After:         afterJSON,
		CorrelationID: actor.CorrelationID,
	})
	if err != nil {
		h.logger.Error("audit config change", slog.Any("error", err))
	}
	return err
}
