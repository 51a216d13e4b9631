package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clearledger/clearledger/internal/approval"
	audithttp "github.com/clearledger/clearledger/internal/audit/http"
	"github.com/clearledger/clearledger/internal/observability"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/session"
	"github.com/clearledger/clearledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Gatekeeper      *session.Gatekeeper
	RBACMiddleware  rbac.Middleware
	RBACHandler     *rbac.Handler
	ApprovalHandler *approval.Handler
	AuditHandler    *audithttp.Handler
	SessionHandler  *session.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with platform defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	// Everything under /api requires an authenticated operator session.
	r.Route("/api", func(r chi.Router) {
		if params.Gatekeeper != nil {
			r.Use(params.Gatekeeper.Middleware)
		}
		if params.RBACHandler != nil {
			params.RBACHandler.MountRoutes(r)
		}
		if params.ApprovalHandler != nil {
			params.ApprovalHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r, params.RBACMiddleware)
		}
		if params.SessionHandler != nil {
			params.SessionHandler.MountRoutes(r, params.RBACMiddleware)
		}
	})

	return r
}
