package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearledger/clearledger/internal/shared"
)

// Service loads the catalog once and resolves verdicts for actors.
type Service struct {
	catalog  *Catalog
	resolver *Resolver
	repo     Repository
	settings *SettingsStore
	logger   *slog.Logger
}

// NewService loads the permission catalog and role map from the repository
// exactly once. The catalog is immutable afterwards.
func NewService(ctx context.Context, repo Repository, logger *slog.Logger) (*Service, error) {
	perms, err := repo.LoadPermissions(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := repo.LoadRoleGrants(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalog(perms, grants)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("permission catalog loaded",
			slog.Int("permissions", catalog.Size()),
			slog.Int("role_grants", len(grants)))
	}
	return &Service{
		catalog:  catalog,
		resolver: NewResolver(catalog),
		repo:     repo,
		settings: NewSettingsStore(repo, logger, 30*time.Second),
		logger:   logger,
	}, nil
}

// NewServiceWithCatalog wires a prebuilt catalog; used by tests and the
// seed tooling.
func NewServiceWithCatalog(catalog *Catalog, repo Repository, logger *slog.Logger) *Service {
	return &Service{
		catalog:  catalog,
		resolver: NewResolver(catalog),
		repo:     repo,
		settings: NewSettingsStore(repo, logger, 30*time.Second),
		logger:   logger,
	}
}

// Catalog exposes the loaded catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Resolver exposes the pure resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// SettingsStore exposes the cached settings singleton.
func (s *Service) SettingsStore() *SettingsStore { return s.settings }

// Operator assembles the resolver's view of an authenticated actor,
// fetching the actor's custom grants.
func (s *Service) Operator(ctx context.Context, actor shared.Actor) (Operator, error) {
	role, err := ParseRole(actor.Role)
	if err != nil {
		return Operator{}, err
	}
	op := Operator{ID: actor.OperatorID, Role: role, MFAVerified: actor.MFAVerified}
	if role == RoleSuperOwner {
		// No lookup needed, the top tier holds everything.
		return op, nil
	}
	custom, err := s.repo.OperatorGrants(ctx, actor.OperatorID)
	if err != nil {
		return Operator{}, fmt.Errorf("rbac: assemble operator %d: %w", actor.OperatorID, err)
	}
	op.CustomGrants = custom
	return op, nil
}

// Resolve evaluates one permission code for an actor.
func (s *Service) Resolve(ctx context.Context, actor shared.Actor, code string) (Verdict, error) {
	op, err := s.Operator(ctx, actor)
	if err != nil {
		return Verdict{}, err
	}
	return s.resolver.Check(op, code), nil
}

// ResolveAny evaluates codes with OR semantics for an actor.
func (s *Service) ResolveAny(ctx context.Context, actor shared.Actor, codes ...string) (Verdict, error) {
	op, err := s.Operator(ctx, actor)
	if err != nil {
		return Verdict{}, err
	}
	return s.resolver.CheckAny(op, codes...), nil
}

// ResolveAll evaluates codes with AND semantics for an actor.
func (s *Service) ResolveAll(ctx context.Context, actor shared.Actor, codes ...string) (Verdict, error) {
	op, err := s.Operator(ctx, actor)
	if err != nil {
		return Verdict{}, err
	}
	return s.resolver.CheckAll(op, codes...), nil
}

// Settings returns the current tunables.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.settings.Current(ctx)
}

// UpdateSettings persists new tunables. The HTTP layer routes this through
// the approval workflow before calling here.
func (s *Service) UpdateSettings(ctx context.Context, settings Settings) error {
	return s.settings.Update(ctx, settings)
}
