package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Categories group entries by the subsystem that produced the fact.
const (
	CategoryPermission = "permission"
	CategoryApproval   = "approval"
	CategorySession    = "session"
	CategoryConfig     = "config"
	CategorySystem     = "system"
)

// Action codes recorded per fact. One entry per fact, written at the moment
// the fact becomes true.
const (
	ActionPermissionDenied  = "permission.denied"
	ActionPermissionChecked = "permission.checked"
	ActionApprovalRequested = "approval.requested"
	ActionApprovalApproved  = "approval.approved"
	ActionApprovalRejected  = "approval.rejected"
	ActionApprovalCancelled = "approval.cancelled"
	ActionApprovalExpired   = "approval.expired"
	ActionApprovalExecuted  = "approval.executed"
	ActionConfigUpdated     = "config.updated"
	ActionSessionRevoked    = "session.revoked"
	ActionChainVerified     = "chain.verified"
)

// CallerContext captures where a privileged call came from.
type CallerContext struct {
	OriginIP  string `json:"originIp,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Entry is one immutable fact in the ledger. Its hash commits to its own
// fields plus the hash of the chronologically previous entry on the same
// chain, so deletion, reordering, or retroactive edits are detectable.
type Entry struct {
	ID            int64           `json:"id"`
	ChainID       string          `json:"chainId"`
	Seq           int64           `json:"seq"`
	At            time.Time       `json:"at"`
	ActorID       int64           `json:"actorId"`
	Action        string          `json:"action"`
	Category      string          `json:"category"`
	ResourceType  string          `json:"resourceType,omitempty"`
	ResourceID    string          `json:"resourceId,omitempty"`
	Caller        CallerContext   `json:"caller"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	ApprovalID    *uuid.UUID      `json:"approvalId,omitempty"`
	PrevHash      string          `json:"prevHash"`
	Hash          string          `json:"hash"`
}

// hashPayload is the canonical serialization hashed into Entry.Hash. All
// fields are scalars or fixed structs so json.Marshal field order is
// deterministic and recomputation is reproducible.
type hashPayload struct {
	ChainID       string `json:"chain_id"`
	Seq           int64  `json:"seq"`
	At            string `json:"at"`
	ActorID       int64  `json:"actor_id"`
	Action        string `json:"action"`
	Category      string `json:"category"`
	ResourceType  string `json:"resource_type"`
	ResourceID    string `json:"resource_id"`
	OriginIP      string `json:"origin_ip"`
	ClientID      string `json:"client_id"`
	SessionID     string `json:"session_id"`
	Before        string `json:"before"`
	After         string `json:"after"`
	CorrelationID string `json:"correlation_id"`
	ApprovalID    string `json:"approval_id"`
	PrevHash      string `json:"prev_hash"`
}

// ComputeHash returns the SHA-256 hex digest of the canonical entry
// serialization. The digest function is fixed for the lifetime of a chain;
// changing it requires starting a new chain segment.
func (e Entry) ComputeHash() string {
	payload := hashPayload{
		ChainID:       e.ChainID,
		Seq:           e.Seq,
		At:            e.At.UTC().Format(time.RFC3339Nano),
		ActorID:       e.ActorID,
		Action:        e.Action,
		Category:      e.Category,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		OriginIP:      e.Caller.OriginIP,
		ClientID:      e.Caller.ClientID,
		SessionID:     e.Caller.SessionID,
		Before:        string(e.Before),
		After:         string(e.After),
		CorrelationID: e.CorrelationID.String(),
		PrevHash:      e.PrevHash,
	}
	if e.ApprovalID != nil {
		payload.ApprovalID = e.ApprovalID.String()
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
