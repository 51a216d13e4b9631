package audithttp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

const (
	exportRateLimit  = 10
	exportRateWindow = time.Minute
)

// MountRoutes registers the audit endpoints. Reads require the audit
// permissions; exports are rate limited per operator.
func (h *Handler) MountRoutes(r chi.Router, rbacMW rbac.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/audit", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rbacMW.Require(rbac.PermAuditView))
			r.Get("/", h.handleTimeline)
		})
		r.Group(func(r chi.Router) {
			r.Use(rbacMW.Require(rbac.PermAuditExport), limiter)
			r.Get("/export.csv", h.handleExport)
		})
		r.Group(func(r chi.Router) {
			r.Use(rbacMW.Require(rbac.PermAuditVerifyChain))
			r.Post("/verify", h.handleVerify)
		})
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
