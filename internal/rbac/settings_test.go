package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clearledger/clearledger/internal/shared"
)

func testActor(id int64, role Role, mfa bool) shared.Actor {
	return shared.Actor{OperatorID: id, Role: string(role), MFAVerified: mfa}
}

type memoryRBACRepo struct {
	perms    []Permission
	grants   []Grant
	custom   map[int64][]Code
	settings Settings
	hasRow   bool

	settingsErr  error
	getCalls     int
	operatorErr  error
	operatorCall int
}

func newMemoryRBACRepo() *memoryRBACRepo {
	return &memoryRBACRepo{
		perms:  SeedPermissions(),
		grants: SeedGrants(),
		custom: make(map[int64][]Code),
	}
}

func (r *memoryRBACRepo) LoadPermissions(ctx context.Context) ([]Permission, error) {
	return r.perms, nil
}

func (r *memoryRBACRepo) LoadRoleGrants(ctx context.Context) ([]Grant, error) {
	return r.grants, nil
}

func (r *memoryRBACRepo) OperatorGrants(ctx context.Context, operatorID int64) ([]Code, error) {
	r.operatorCall++
	if r.operatorErr != nil {
		return nil, r.operatorErr
	}
	return r.custom[operatorID], nil
}

func (r *memoryRBACRepo) GetSettings(ctx context.Context) (Settings, error) {
	r.getCalls++
	if r.settingsErr != nil {
		return Settings{}, r.settingsErr
	}
	if !r.hasRow {
		return DefaultSettings(), nil
	}
	return r.settings, nil
}

func (r *memoryRBACRepo) UpdateSettings(ctx context.Context, settings Settings) error {
	r.settings = settings
	r.hasRow = true
	return nil
}

func TestSettingsStoreCachesWithinTTL(t *testing.T) {
	repo := newMemoryRBACRepo()
	store := NewSettingsStore(repo, nil, time.Minute)

	ctx := context.Background()
	first, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(), first)

	_, err = store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repo.getCalls)
}

func TestSettingsStoreRefreshesAfterTTL(t *testing.T) {
	repo := newMemoryRBACRepo()
	store := NewSettingsStore(repo, nil, time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := store.Current(ctx)
	require.NoError(t, err)

	repo.settings = DefaultSettings()
	repo.settings.MaxPendingApprovals = 9
	repo.hasRow = true

	now = now.Add(2 * time.Minute)
	refreshed, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, refreshed.MaxPendingApprovals)
	require.Equal(t, 2, repo.getCalls)
}

func TestSettingsStoreServesStaleOnFailure(t *testing.T) {
	repo := newMemoryRBACRepo()
	store := NewSettingsStore(repo, nil, time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	cached, err := store.Current(ctx)
	require.NoError(t, err)

	repo.settingsErr = errors.New("connection refused")
	now = now.Add(2 * time.Minute)

	stale, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, cached, stale)
}

func TestSettingsStoreErrorsWithoutAnyCache(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.settingsErr = errors.New("connection refused")
	store := NewSettingsStore(repo, nil, time.Minute)

	_, err := store.Current(context.Background())
	require.Error(t, err)
}

func TestSettingsStoreUpdatePrimesCache(t *testing.T) {
	repo := newMemoryRBACRepo()
	store := NewSettingsStore(repo, nil, time.Minute)

	ctx := context.Background()
	next := DefaultSettings()
	next.IdleTimeout = 10 * time.Minute
	require.NoError(t, store.Update(ctx, next))

	got, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, next, got)
	require.Equal(t, 0, repo.getCalls)
}

func TestServiceOperatorSkipsGrantLookupForTopTier(t *testing.T) {
	repo := newMemoryRBACRepo()
	svc, err := NewService(context.Background(), repo, nil)
	require.NoError(t, err)

	op, err := svc.Operator(context.Background(), testActor(1, RoleSuperOwner, true))
	require.NoError(t, err)
	require.Equal(t, RoleSuperOwner, op.Role)
	require.Zero(t, repo.operatorCall)
}

func TestServiceOperatorLoadsCustomGrants(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.custom[7] = []Code{MustCode(PermAuditExport)}
	svc, err := NewService(context.Background(), repo, nil)
	require.NoError(t, err)

	op, err := svc.Operator(context.Background(), testActor(7, RoleViewer, false))
	require.NoError(t, err)
	require.Len(t, op.CustomGrants, 1)
	require.True(t, svc.Resolver().Check(op, PermAuditExport).Allowed)
}
