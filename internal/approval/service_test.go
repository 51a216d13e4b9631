package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/clearledger/internal/audit"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

// memoryRequestRepo mirrors the conditional-update semantics of the SQL
// repository: transitions are guarded on the current status under a lock so
// racing votes see exactly one winner.
type memoryRequestRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]Request
}

func newMemoryRequestRepo() *memoryRequestRepo {
	return &memoryRequestRepo{requests: make(map[uuid.UUID]Request)}
}

func (r *memoryRequestRepo) Create(ctx context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *memoryRequestRepo) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *memoryRequestRepo) List(ctx context.Context, f ListFilters) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if f.RequesterID != 0 && req.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Type != "" && req.Type != f.Type {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (r *memoryRequestRepo) CountPending(ctx context.Context, requesterID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, req := range r.requests {
		if req.RequesterID == requesterID && req.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (r *memoryRequestRepo) Decide(ctx context.Context, p DecideParams) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[p.ID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrNotPending
	}
	approver := p.ApproverID
	decidedAt := p.DecidedAt
	req.Status = p.Status
	req.ApproverID = &approver
	req.DecidedAt = &decidedAt
	if p.RejectionReason != "" {
		req.RejectionReason = p.RejectionReason
	}
	req.TokenDigest = ""
	req.UpdatedAt = p.DecidedAt
	r.requests[p.ID] = req
	return req, nil
}

func (r *memoryRequestRepo) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.Status != StatusPending || now.Before(req.TokenExpiresAt) {
		return false, nil
	}
	req.Status = StatusExpired
	req.TokenDigest = ""
	req.UpdatedAt = now
	r.requests[id] = req
	return true, nil
}

func (r *memoryRequestRepo) MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrNotPending
	}
	req.Status = StatusCancelled
	req.TokenDigest = ""
	req.UpdatedAt = now
	r.requests[id] = req
	return req, nil
}

func (r *memoryRequestRepo) RecordExecution(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusApproved || req.ExecutedAt != nil {
		return Request{}, ErrNotApproved
	}
	at := executedAt
	req.ExecutedAt = &at
	if len(result) > 0 {
		req.ExecutionResult = append(json.RawMessage(nil), result...)
	}
	req.UpdatedAt = executedAt
	r.requests[id] = req
	return req, nil
}

func (r *memoryRequestRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, req := range r.requests {
		if req.Status == StatusPending && !now.Before(req.TokenExpiresAt) {
			ids = append(ids, id)
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// memoryAuditRepo is the minimal chain store the ledger needs in tests.
type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []audit.Entry
	failing bool
}

func (r *memoryAuditRepo) Tail(ctx context.Context, chainID string) (audit.Tail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return audit.Tail{}, audit.ErrEmptyChain
	}
	last := r.entries[len(r.entries)-1]
	return audit.Tail{Seq: last.Seq, Hash: last.Hash}, nil
}

func (r *memoryAuditRepo) Insert(ctx context.Context, entry audit.Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return 0, errors.New("audit store down")
	}
	r.entries = append(r.entries, entry)
	return int64(len(r.entries)), nil
}

func (r *memoryAuditRepo) Range(ctx context.Context, chainID string, fromSeq, toSeq int64) ([]audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...), nil
}

func (r *memoryAuditRepo) Timeline(ctx context.Context, chainID string, filters audit.TimelineFilters, limit, offset int) ([]audit.Entry, error) {
	return nil, nil
}

func (r *memoryAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc       *Service
	repo      *memoryRequestRepo
	auditRepo *memoryAuditRepo
	rbacRepo  *memoryGrantRepo
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryGrantRepo struct {
	custom map[int64][]rbac.Code
}

func (r *memoryGrantRepo) LoadPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return rbac.SeedPermissions(), nil
}

func (r *memoryGrantRepo) LoadRoleGrants(ctx context.Context) ([]rbac.Grant, error) {
	return rbac.SeedGrants(), nil
}

func (r *memoryGrantRepo) OperatorGrants(ctx context.Context, operatorID int64) ([]rbac.Code, error) {
	return r.custom[operatorID], nil
}

func (r *memoryGrantRepo) GetSettings(ctx context.Context) (rbac.Settings, error) {
	return rbac.DefaultSettings(), nil
}

func (r *memoryGrantRepo) UpdateSettings(ctx context.Context, settings rbac.Settings) error {
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := rbac.NewCatalog(rbac.SeedPermissions(), rbac.SeedGrants())
	require.NoError(t, err)
	rbacRepo := &memoryGrantRepo{custom: make(map[int64][]rbac.Code)}
	rbacSvc := rbac.NewServiceWithCatalog(catalog, rbacRepo, nil)

	auditRepo := &memoryAuditRepo{}
	ledger := audit.NewLedger(auditRepo, nil)

	repo := newMemoryRequestRepo()
	svc := NewService(repo, rbacSvc, ledger, nil)
	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.Now

	return &fixture{svc: svc, repo: repo, auditRepo: auditRepo, rbacRepo: rbacRepo, clock: clock}
}

func requester() shared.Actor {
	return shared.Actor{OperatorID: 100, Role: string(rbac.RoleAdmin), MFAVerified: true, SessionID: "sess-req"}
}

func approver() shared.Actor {
	return shared.Actor{OperatorID: 200, Role: string(rbac.RoleAdmin), MFAVerified: true, SessionID: "sess-app"}
}

func validInput() CreateInput {
	return CreateInput{
		Type:           TypeUserFreeze,
		Action:         "freeze account 8841",
		TargetResource: "user:8841",
		Reason:         "suspicious withdrawal pattern flagged by risk desk",
	}
}

func TestCreateMintsSingleUseToken(t *testing.T) {
	f := newFixture(t)

	req, token, err := f.svc.Create(context.Background(), requester(), validInput())
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, int64(100), req.RequesterID)
	require.NotEmpty(t, req.TokenDigest)
	require.NotEqual(t, token, req.TokenDigest)

	require.NoError(t, f.svc.VerifyToken(req, token))
	require.ErrorIs(t, f.svc.VerifyToken(req, "forged"), ErrBadToken)

	require.Equal(t, []string{audit.ActionApprovalRequested}, f.auditRepo.actions())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := validInput()
	in.Type = "COFFEE_RUN"
	_, _, err := f.svc.Create(ctx, requester(), in)
	require.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.Action = "  "
	_, _, err = f.svc.Create(ctx, requester(), in)
	require.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.Reason = "too short"
	_, _, err = f.svc.Create(ctx, requester(), in)
	require.ErrorIs(t, err, ErrReasonShort)

	// Five runes across fifteen bytes is still too short.
	in = validInput()
	in.Reason = "凍結が必要"
	_, _, err = f.svc.Create(ctx, requester(), in)
	require.ErrorIs(t, err, ErrReasonShort)

	// Ten multibyte runes meet the minimum.
	in = validInput()
	in.Reason = "不審な出金の調査のため"
	_, _, err = f.svc.Create(ctx, requester(), in)
	require.NoError(t, err)
}

func TestCreateEnforcesPendingQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	max := rbac.DefaultSettings().MaxPendingApprovals
	for i := 0; i < max; i++ {
		_, _, err := f.svc.Create(ctx, requester(), validInput())
		require.NoError(t, err)
	}
	_, _, err := f.svc.Create(ctx, requester(), validInput())
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Another operator is unaffected by the first one's quota.
	other := requester()
	other.OperatorID = 101
	_, _, err = f.svc.Create(ctx, other, validInput())
	require.NoError(t, err)
}

func TestCreateRollsBackOnAuditFailure(t *testing.T) {
	f := newFixture(t)
	f.auditRepo.failing = true

	_, _, err := f.svc.Create(context.Background(), requester(), validInput())
	require.Error(t, err)

	// The unlogged request must not stay pending.
	pending, err := f.repo.CountPending(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestVoteApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	decided, err := f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, decided.Status)
	require.NotNil(t, decided.ApproverID)
	require.Equal(t, int64(200), *decided.ApproverID)
	require.NotNil(t, decided.DecidedAt)
	// The single-use token dies with the decision.
	require.Empty(t, decided.TokenDigest)

	require.Equal(t, []string{audit.ActionApprovalRequested, audit.ActionApprovalApproved}, f.auditRepo.actions())
}

func TestVoteRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionReject, "  ")
	require.ErrorIs(t, err, ErrReasonNeeded)

	decided, err := f.svc.Vote(ctx, approver(), req.ID, DecisionReject, "target already unfrozen manually")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, decided.Status)
	require.NotNil(t, decided.RejectionReason)
}

func TestVoteUnknownDecision(t *testing.T) {
	f := newFixture(t)
	req, _, err := f.svc.Create(context.Background(), requester(), validInput())
	require.NoError(t, err)

	_, err = f.svc.Vote(context.Background(), approver(), req.ID, Decision("MAYBE"), "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestVoteSelfApprovalForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	_, err = f.svc.Vote(ctx, requester(), req.ID, DecisionApprove, "")
	require.ErrorIs(t, err, ErrSelfApproval)

	// Still pending; the attempt changed nothing.
	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestVoteRequiresVotePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	// MODERATOR does not hold approval:vote:all.
	mod := shared.Actor{OperatorID: 300, Role: string(rbac.RoleModerator), MFAVerified: true}
	_, err = f.svc.Vote(ctx, mod, req.ID, DecisionApprove, "")
	require.ErrorIs(t, err, ErrForbidden)

	// An admin without fresh MFA is refused as well.
	staleAdmin := approver()
	staleAdmin.MFAVerified = false
	_, err = f.svc.Vote(ctx, staleAdmin, req.ID, DecisionApprove, "")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestVoteOnDecidedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)

	second := approver()
	second.OperatorID = 201
	_, err = f.svc.Vote(ctx, second, req.ID, DecisionApprove, "")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestVoteOnExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	f.clock.Advance(rbac.DefaultSettings().ApprovalTokenValidity + time.Minute)

	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.ErrorIs(t, err, ErrTokenExpired)

	got, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Contains(t, f.auditRepo.actions(), audit.ActionApprovalExpired)
}

func TestConcurrentVotesExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	const voters = 8
	var wg sync.WaitGroup
	results := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(operatorID int64) {
			defer wg.Done()
			voter := shared.Actor{OperatorID: operatorID, Role: string(rbac.RoleAdmin), MFAVerified: true}
			_, err := f.svc.Vote(ctx, voter, req.ID, DecisionApprove, "")
			results <- err
		}(int64(200 + i))
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotPending):
			losses++
		default:
			t.Fatalf("unexpected vote error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, voters-1, losses)
}

func TestGetLazilyExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	f.clock.Advance(rbac.DefaultSettings().ApprovalTokenValidity + time.Second)

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	// A second touch does not write a second expiry entry.
	_, err = f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	expiries := 0
	for _, action := range f.auditRepo.actions() {
		if action == audit.ActionApprovalExpired {
			expiries++
		}
	}
	require.Equal(t, 1, expiries)
}

func TestCancelByRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, requester(), req.ID))
	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Contains(t, f.auditRepo.actions(), audit.ActionApprovalCancelled)
}

func TestCancelByStrangerForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	stranger := shared.Actor{OperatorID: 999, Role: string(rbac.RoleModerator)}
	require.ErrorIs(t, f.svc.Cancel(ctx, stranger, req.ID), ErrNotRequester)

	// An admin other than the requester may cancel.
	admin := shared.Actor{OperatorID: 998, Role: string(rbac.RoleAdmin)}
	require.NoError(t, f.svc.Cancel(ctx, admin, req.ID))
}

func TestCancelTerminalRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Cancel(ctx, requester(), req.ID), ErrNotPending)
}

func TestRecordExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)

	executed, err := f.svc.RecordExecution(ctx, requester(), req.ID, json.RawMessage(`{"frozen":true}`))
	require.NoError(t, err)
	require.NotNil(t, executed.ExecutedAt)
	require.NotNil(t, executed.ExecutionResult)
	// Execution does not erase who approved.
	require.NotNil(t, executed.ApproverID)
	require.Equal(t, int64(200), *executed.ApproverID)

	// Exactly once.
	_, err = f.svc.RecordExecution(ctx, requester(), req.ID, nil)
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestRecordExecutionRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	_, err = f.svc.RecordExecution(ctx, requester(), req.ID, nil)
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestConsumeApprovedIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)

	result := json.RawMessage(`{"frozen":true}`)
	require.NoError(t, f.svc.ConsumeApproved(ctx, requester(), req.ID, string(TypeUserFreeze), result))

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExecutedAt)

	// Consuming the same approval again must fail.
	err = f.svc.ConsumeApproved(ctx, requester(), req.ID, string(TypeUserFreeze), result)
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestConsumeApprovedChecksRequestType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, approver(), req.ID, DecisionApprove, "")
	require.NoError(t, err)

	err = f.svc.ConsumeApproved(ctx, requester(), req.ID, string(TypeConfigChange), nil)
	require.ErrorIs(t, err, ErrValidation)

	// The mismatch must not consume the approval.
	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Nil(t, got.ExecutedAt)
}

func TestConsumeApprovedRejectsPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _, err := f.svc.Create(ctx, requester(), validInput())
	require.NoError(t, err)

	err = f.svc.ConsumeApproved(ctx, requester(), req.ID, string(TypeUserFreeze), nil)
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestExpireStaleSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		actor := requester()
		actor.OperatorID = int64(100 + i)
		_, _, err := f.svc.Create(ctx, actor, validInput())
		require.NoError(t, err)
	}
	f.clock.Advance(rbac.DefaultSettings().ApprovalTokenValidity + time.Minute)

	fresh := requester()
	fresh.OperatorID = 150
	liveReq, _, err := f.svc.Create(ctx, fresh, validInput())
	require.NoError(t, err)

	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, expired)

	// Re-running the sweep finds nothing new.
	expired, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, expired)

	got, err := f.svc.Get(ctx, liveReq.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}
