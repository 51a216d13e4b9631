package approval

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval request. PENDING is the only
// non-terminal state; no transition ever leaves a terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// RequestType is the closed enum of gated action kinds.
type RequestType string

const (
	TypeDeploymentPromotion RequestType = "DEPLOYMENT_PROMOTION"
	TypeUserFreeze          RequestType = "USER_FREEZE"
	TypeTreasuryOperation   RequestType = "TREASURY_OPERATION"
	TypeSystemPause         RequestType = "SYSTEM_PAUSE"
	TypeConfigChange        RequestType = "CONFIG_CHANGE"
	TypeRoleChange          RequestType = "ROLE_CHANGE"
)

// Valid reports whether the request type is in the closed enum.
func (t RequestType) Valid() bool {
	switch t {
	case TypeDeploymentPromotion, TypeUserFreeze, TypeTreasuryOperation,
		TypeSystemPause, TypeConfigChange, TypeRoleChange:
		return true
	}
	return false
}

// Decision is an approver's vote.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// MinReasonLength is enforced at this layer, not just at the edge, because
// the reason is part of the durable audit record.
const MinReasonLength = 10

// Request is one proposed sensitive action awaiting second-person sign-off.
// Terminal requests are retained forever for audit; nothing deletes rows.
type Request struct {
	ID             uuid.UUID       `json:"id"`
	Type           RequestType     `json:"type"`
	Action         string          `json:"action"`
	TargetResource string          `json:"targetResource,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Reason         string          `json:"reason"`
	RequesterID    int64           `json:"requesterId"`
	Status         Status          `json:"status"`

	// TokenDigest holds a bcrypt digest of the single-use approval token;
	// the plaintext is returned exactly once at creation and never stored.
	// Cleared the instant the request leaves PENDING.
	TokenDigest    string    `json:"-"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`

	ApproverID      *int64          `json:"approverId,omitempty"`
	DecidedAt       *time.Time      `json:"decidedAt,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	ExecutedAt      *time.Time      `json:"executedAt,omitempty"`
	ExecutionResult json.RawMessage `json:"executionResult,omitempty"`

	CorrelationID uuid.UUID `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Domain errors surfaced by the workflow manager.
var (
	ErrNotFound      = errors.New("approval: not found")
	ErrValidation    = errors.New("approval: validation failed")
	ErrQuotaExceeded = errors.New("approval: pending approval quota exceeded")
	ErrNotPending    = errors.New("approval: request already decided")
	ErrTokenExpired  = errors.New("approval: token expired")
	ErrSelfApproval  = errors.New("approval: self-approval forbidden")
	ErrReasonShort   = errors.New("approval: reason must be at least 10 characters")
	ErrReasonNeeded  = errors.New("approval: rejection requires a reason")
	ErrNotRequester  = errors.New("approval: only the requester or a higher role may cancel")
	ErrNotApproved   = errors.New("approval: request is not approved")
	ErrForbidden     = errors.New("approval: voter lacks approval privilege")
	ErrBadToken      = errors.New("approval: token mismatch")
)
