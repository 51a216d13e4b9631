package session

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

// Handler exposes session revocation for privileged operators.
type Handler struct {
	logger *slog.Logger
	store  *Store
	ledger *audit.Ledger
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, store *Store, ledger *audit.Ledger) *Handler {
	return &Handler{logger: logger, store: store, ledger: ledger}
}

// MountRoutes registers session routes.
func (h *Handler) MountRoutes(r chi.Router, rbacMW rbac.Middleware) {
	r.Route("/sessions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rbacMW.Require(rbac.PermSessionRevoke))
			r.Post("/{id}/revoke", h.handleRevoke)
		})
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.store.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("revoke session", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}

	_, err := h.ledger.Append(r.Context(), audit.Entry{
		ActorID:      actor.OperatorID,
		Action:       audit.ActionSessionRevoked,
		Category:     audit.CategorySession,
		ResourceType: "session",
		ResourceID:   id,
		Caller: audit.CallerContext{
			OriginIP:  actor.OriginIP,
			ClientID:  actor.UserAgent,
			SessionID: actor.SessionID,
		},
		CorrelationID: actor.CorrelationID,
	})
	if err != nil {
		// The revocation happened; the unlogged fact still fails the call
		// so the caller knows the trail is incomplete.
		h.logger.Error("audit session revoke", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
