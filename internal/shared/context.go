package shared

import (
	"context"

	"github.com/google/uuid"
)

// Actor describes the authenticated operator behind the current request,
// as established by the session gatekeeper. The core never mutates it.
type Actor struct {
	OperatorID    int64
	Role          string
	SessionID     string
	MFAVerified   bool
	OriginIP      string
	UserAgent     string
	CorrelationID uuid.UUID
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The second return is
// false when no gatekeeper ran for this request.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
