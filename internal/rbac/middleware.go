package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/observability"
	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/shared"
)

// Middleware wires permission enforcement for HTTP handlers. The resolver
// itself is pure; this is the call site that writes the audit entry for
// every denial. A failed audit write fails the request closed.
type Middleware struct {
	Service *Service
	Ledger  *audit.Ledger
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Require ensures the current actor holds the permission and that it does
// not demand the approval workflow. Approval-gated permissions never pass
// a direct endpoint; callers must create an approval request instead.
func (m Middleware) Require(code string) func(http.Handler) http.Handler {
	return m.guard(func(op Operator) Verdict {
		return m.Service.Resolver().Check(op, code)
	}, code)
}

// RequireAny ensures the actor holds at least one of the permissions.
func (m Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return m.guard(func(op Operator) Verdict {
		return m.Service.Resolver().CheckAny(op, codes...)
	}, joinCodes(codes))
}

// RequireAll ensures the actor holds every permission.
func (m Middleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return m.guard(func(op Operator) Verdict {
		return m.Service.Resolver().CheckAll(op, codes...)
	}, joinCodes(codes))
}

func (m Middleware) guard(check func(Operator) Verdict, label string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			op, err := m.Service.Operator(r.Context(), actor)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("assemble operator", slog.Any("error", err))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			verdict := check(op)
			m.Metrics.ObservePermissionDecision(verdict.Allowed, string(verdict.Reason))
			if verdict.Allowed && !verdict.RequiresApproval {
				next.ServeHTTP(w, r)
				return
			}

			if err := m.auditDeny(r, actor, label, verdict); err != nil {
				// An unlogged denial of a privileged call must not pass
				// silently; surface the store failure instead.
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			}

			status := http.StatusForbidden
			title := "Forbidden"
			if verdict.RequiresApproval {
				status = http.StatusConflict
				title = "Approval Required"
			}
			httpx.ProblemWithCode(w, status, title,
				"permission "+label+" gated", string(verdict.Reason), verdict.Reason.Hint())
		})
	}
}

func (m Middleware) auditDeny(r *http.Request, actor shared.Actor, label string, verdict Verdict) error {
	if m.Ledger == nil {
		return nil
	}
	entry := audit.Entry{
		ActorID:      actor.OperatorID,
		Action:       audit.ActionPermissionDenied,
		Category:     audit.CategoryPermission,
		ResourceType: "permission",
		ResourceID:   label,
		Caller: audit.CallerContext{
			OriginIP:  actor.OriginIP,
			ClientID:  actor.UserAgent,
			SessionID: actor.SessionID,
		},
		After:         []byte(`{"reason":` + strconv.Quote(string(verdict.Reason)) + `}`),
		CorrelationID: actor.CorrelationID,
	}
	_, err := m.Ledger.Append(r.Context(), entry)
	if err != nil && m.Logger != nil {
		m.Logger.Error("audit permission denial", slog.Any("error", err))
	}
	return err
}

func joinCodes(codes []string) string {
	out := ""
	for i, c := range codes {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
