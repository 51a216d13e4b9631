package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/observability"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

// Service owns the approval request lifecycle: creation, voting, expiry,
// cancellation, and post-approval execution hand-off. Every transition is
// written through to the audit ledger; a failed audit write fails the
// operation rather than proceeding unlogged.
type Service struct {
	repo    Repository
	rbac    *rbac.Service
	ledger  *audit.Ledger
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService constructs the workflow manager.
func NewService(repo Repository, rbacSvc *rbac.Service, ledger *audit.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, rbac: rbacSvc, ledger: ledger, logger: logger, now: time.Now}
}

// SetMetrics attaches transition counters. Safe to leave unset in tests.
func (s *Service) SetMetrics(m *observability.Metrics) { s.metrics = m }

// CreateInput carries the proposed sensitive action.
type CreateInput struct {
	Type           RequestType
	Action         string
	TargetResource string
	Payload        json.RawMessage
	Reason         string
}

// Create opens a new PENDING request and mints its single-use approval
// token. The plaintext token is returned exactly once; only its digest is
// stored.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Request, string, error) {
	if !in.Type.Valid() {
		return Request{}, "", fmt.Errorf("%w: unknown request type %q", ErrValidation, in.Type)
	}
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return Request{}, "", fmt.Errorf("%w: action description required", ErrValidation)
	}
	reason := strings.TrimSpace(in.Reason)
	// Counted in runes so multibyte reasons are measured as written.
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return Request{}, "", ErrReasonShort
	}

	settings, err := s.rbac.Settings(ctx)
	if err != nil {
		return Request{}, "", fmt.Errorf("approval: load settings: %w", err)
	}
	pending, err := s.repo.CountPending(ctx, actor.OperatorID)
	if err != nil {
		return Request{}, "", err
	}
	if pending >= settings.MaxPendingApprovals {
		return Request{}, "", fmt.Errorf("%w: %d requests already pending", ErrQuotaExceeded, pending)
	}

	token, digest, err := mintToken()
	if err != nil {
		return Request{}, "", fmt.Errorf("approval: mint token: %w", err)
	}

	now := s.now().UTC()
	correlationID := actor.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	req := Request{
		ID:             uuid.New(),
		Type:           in.Type,
		Action:         action,
		TargetResource: strings.TrimSpace(in.TargetResource),
		Payload:        in.Payload,
		Reason:         reason,
		RequesterID:    actor.OperatorID,
		Status:         StatusPending,
		TokenDigest:    digest,
		TokenExpiresAt: now.Add(settings.ApprovalTokenValidity),
		CorrelationID:  correlationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return Request{}, "", err
	}

	if err := s.appendAudit(ctx, actor, audit.ActionApprovalRequested, req, map[string]any{
		"type":   req.Type,
		"action": req.Action,
		"target": req.TargetResource,
		"reason": req.Reason,
	}); err != nil {
		// An unlogged approval request must not stand.
		if _, cancelErr := s.repo.MarkCancelled(ctx, req.ID, s.now().UTC()); cancelErr != nil {
			s.logger.Error("cancel unlogged approval request",
				slog.String("id", req.ID.String()), slog.Any("error", cancelErr))
		}
		return Request{}, "", err
	}
	return req, token, nil
}

// Get fetches one request, lazily expiring it when its token deadline has
// passed so stale requests self-clean on next touch.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status == StatusPending && s.now().UTC().After(req.TokenExpiresAt) {
		if err := s.expire(ctx, req); err != nil {
			return Request{}, err
		}
		return s.repo.Get(ctx, id)
	}
	return req, nil
}

// List returns requests matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Request, error) {
	return s.repo.List(ctx, filters)
}

// Vote records a second operator's decision. Exactly one of two racing
// votes wins; the loser receives ErrNotPending.
func (s *Service) Vote(ctx context.Context, actor shared.Actor, id uuid.UUID, decision Decision, reason string) (Request, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Request{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}

	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, ErrNotPending
	}
	now := s.now().UTC()
	if now.After(req.TokenExpiresAt) {
		if err := s.expire(ctx, req); err != nil {
			return Request{}, err
		}
		return Request{}, ErrTokenExpired
	}

	// Self-approval is forbidden regardless of role.
	if actor.OperatorID == req.RequesterID {
		return Request{}, ErrSelfApproval
	}

	// Voting requires its own higher-privilege permission, distinct from
	// whatever allowed creation.
	verdict, err := s.rbac.Resolve(ctx, actor, rbac.PermApprovalVote)
	if err != nil {
		return Request{}, err
	}
	if !verdict.Allowed {
		return Request{}, fmt.Errorf("%w: %s", ErrForbidden, verdict.Reason)
	}

	reason = strings.TrimSpace(reason)
	status := StatusApproved
	auditAction := audit.ActionApprovalApproved
	if decision == DecisionReject {
		if reason == "" {
			return Request{}, ErrReasonNeeded
		}
		status = StatusRejected
		auditAction = audit.ActionApprovalRejected
	}

	decided, err := s.repo.Decide(ctx, DecideParams{
		ID:              id,
		ApproverID:      actor.OperatorID,
		Status:          status,
		RejectionReason: reason,
		DecidedAt:       now,
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.appendAudit(ctx, actor, auditAction, decided, map[string]any{
		"decision": decision,
		"reason":   reason,
	}); err != nil {
		return Request{}, err
	}
	return decided, nil
}

// VerifyToken checks a presented single-use token against the stored
// digest. Used when the vote arrives via a tokenized approval link.
func (s *Service) VerifyToken(req Request, token string) error {
	if req.TokenDigest == "" {
		return ErrBadToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(req.TokenDigest), []byte(token)); err != nil {
		return ErrBadToken
	}
	return nil
}

// Cancel terminates a PENDING request. Only the original requester or a
// higher role may cancel.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id uuid.UUID) error {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return ErrNotPending
	}
	now := s.now().UTC()
	if now.After(req.TokenExpiresAt) {
		if err := s.expire(ctx, req); err != nil {
			return err
		}
		return ErrNotPending
	}
	if actor.OperatorID != req.RequesterID {
		role, roleErr := rbac.ParseRole(actor.Role)
		if roleErr != nil || !role.AtLeast(rbac.RoleAdmin) {
			return ErrNotRequester
		}
	}

	cancelled, err := s.repo.MarkCancelled(ctx, id, now)
	if err != nil {
		return err
	}
	return s.appendAudit(ctx, actor, audit.ActionApprovalCancelled, cancelled, nil)
}

// RecordExecution stores the outcome after the caller performed the
// approved action. A failed execution does not roll back the approval; a
// fresh request must be created to retry.
func (s *Service) RecordExecution(ctx context.Context, actor shared.Actor, id uuid.UUID, result json.RawMessage) (Request, error) {
	executed, err := s.repo.RecordExecution(ctx, id, result, s.now().UTC())
	if err != nil {
		return Request{}, err
	}
	if err := s.appendAudit(ctx, actor, audit.ActionApprovalExecuted, executed, map[string]any{
		"result": json.RawMessage(result),
	}); err != nil {
		return Request{}, err
	}
	return executed, nil
}

// ConsumeApproved is the execution hand-off for gated endpoints: it checks
// that the referenced request is APPROVED, of the expected type, and not yet
// executed, then records the execution in the same step so the approval is
// single-use. Satisfies rbac.ApprovalGate.
func (s *Service) ConsumeApproved(ctx context.Context, actor shared.Actor, id uuid.UUID, requestType string, result json.RawMessage) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if string(req.Type) != requestType {
		return fmt.Errorf("%w: request %s is of type %s, want %s", ErrValidation, id, req.Type, requestType)
	}
	_, err = s.RecordExecution(ctx, actor, id, result)
	return err
}

// ExpireStale transitions every overdue PENDING request to EXPIRED. Called
// by the advisory sweep; correctness does not depend on it since expiry is
// also checked lazily on access.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.repo.ListExpirable(ctx, now, 200)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		req, err := s.repo.Get(ctx, id)
		if err != nil {
			return expired, err
		}
		if err := s.expire(ctx, req); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// expire performs the idempotent PENDING -> EXPIRED transition and records
// it. MarkExpired returning false means another toucher got there first, so
// no duplicate audit entry is written.
func (s *Service) expire(ctx context.Context, req Request) error {
	moved, err := s.repo.MarkExpired(ctx, req.ID, s.now().UTC())
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	systemActor := shared.Actor{CorrelationID: req.CorrelationID}
	return s.appendAudit(ctx, systemActor, audit.ActionApprovalExpired, req, nil)
}

func (s *Service) appendAudit(ctx context.Context, actor shared.Actor, action string, req Request, after map[string]any) error {
	var afterJSON json.RawMessage
	if after != nil {
		data, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("approval: marshal audit snapshot: %w", err)
		}
		afterJSON = data
	}
	approvalID := req.ID
	entry := audit.Entry{
		ActorID:      actor.OperatorID,
		Action:       action,
		Category:     audit.CategoryApproval,
		ResourceType: "approval_request",
		ResourceID:   req.ID.String(),
		Caller: audit.CallerContext{
			OriginIP:  actor.OriginIP,
			ClientID:  actor.UserAgent,
			SessionID: actor.SessionID,
		},
		After:         afterJSON,
		CorrelationID: req.CorrelationID,
		ApprovalID:    &approvalID,
	}
	if _, err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed for approval transition",
			slog.String("action", action),
			slog.String("approval_id", req.ID.String()),
			slog.Any("error", err))
		return err
	}
	s.metrics.ObserveApprovalTransition(strings.TrimPrefix(action, "approval."))
	return nil
}

// mintToken returns a cryptographically random single-use token and its
// bcrypt digest for at-rest storage.
func mintToken() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(digest), nil
}
