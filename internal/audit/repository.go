package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyChain indicates the chain has no entries yet.
	ErrEmptyChain = errors.New("audit: empty chain")
	// ErrTailMoved indicates a racing append claimed the next sequence
	// number first. The ledger retries on this.
	ErrTailMoved = errors.New("audit: chain tail moved")
)

// Tail identifies the newest entry of a chain.
type Tail struct {
	Seq  int64
	Hash string
}

// TimelineFilters narrow a timeline query.
type TimelineFilters struct {
	From          time.Time
	To            time.Time
	ActorID       int64
	Category      string
	Action        string
	CorrelationID uuid.UUID
	Page          int
	PageSize      int
}

// Repository persists chain entries. There is deliberately no update or
// delete surface.
type Repository interface {
	Tail(ctx context.Context, chainID string) (Tail, error)
	Insert(ctx context.Context, entry Entry) (int64, error)
	Range(ctx context.Context, chainID string, fromSeq, toSeq int64) ([]Entry, error)
	Timeline(ctx context.Context, chainID string, filters TimelineFilters, limit, offset int) ([]Entry, error)
}
