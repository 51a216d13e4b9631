package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ListFilters narrow a request listing.
type ListFilters struct {
	RequesterID int64
	Status      Status
	Type        RequestType
	Limit       int
	Offset      int
}

// DecideParams carries a terminal vote transition.
type DecideParams struct {
	ID              uuid.UUID
	ApproverID      int64
	Status          Status
	RejectionReason string
	DecidedAt       time.Time
}

// Repository persists approval requests. Every transition method is a
// conditional update guarded on the current status so exactly one of two
// racing callers wins; the loser sees ErrNotPending.
type Repository interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	List(ctx context.Context, filters ListFilters) ([]Request, error)
	CountPending(ctx context.Context, requesterID int64) (int, error)

	// Decide transitions PENDING -> APPROVED/REJECTED, records the approver
	// and clears the token digest. Returns ErrNotPending if the status
	// already changed.
	Decide(ctx context.Context, p DecideParams) (Request, error)

	// MarkExpired transitions PENDING -> EXPIRED iff the token deadline has
	// passed. Returns false when the request was not in an expirable state,
	// which makes repeated expiry checks idempotent.
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// MarkCancelled transitions PENDING -> CANCELLED.
	MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (Request, error)

	// RecordExecution stores the execution outcome of an APPROVED request.
	RecordExecution(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) (Request, error)

	// ListExpirable returns ids of PENDING requests whose token deadline has
	// passed, for the advisory sweep.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
