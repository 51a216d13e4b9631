package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/clearledger/clearledger/internal/platform/httpx"
	"github.com/clearledger/clearledger/internal/shared"
)

// Middleware authenticates the bearer credential and installs the actor in
// the request context for the resolver and workflow layers.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized",
				"missing bearer credential", "missing_credential", "present a session credential")
			return
		}
		actor, err := g.Authenticate(r.Context(), credential)
		if err != nil {
			respondAuthError(w, err)
			return
		}

		actor.OriginIP = clientIP(r)
		actor.UserAgent = r.UserAgent()
		actor.CorrelationID = correlationID(r)

		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

func respondAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadSignature):
		httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized",
			"credential signature invalid", "bad_signature", "obtain a fresh credential")
	case errors.Is(err, ErrExpired):
		httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized",
			"credential expired", "expired", "re-authenticate")
	case errors.Is(err, ErrRevoked):
		httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized",
			"session revoked", "session_revoked", "re-authenticate")
	case errors.Is(err, ErrIdleTimeout):
		httpx.ProblemWithCode(w, http.StatusUnauthorized, "Unauthorized",
			"session idle too long", "idle_timeout", "re-authenticate")
	case errors.Is(err, shared.ErrUnavailable):
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		httpx.RespondError(w, httpx.ErrUnauthorized)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from forwarding headers.
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func correlationID(r *http.Request) uuid.UUID {
	if raw := r.Header.Get("X-Correlation-Id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	return uuid.New()
}
