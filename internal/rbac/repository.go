package rbac

import "context"

// Repository loads the seeded catalog and per-operator state from the store.
type Repository interface {
	LoadPermissions(ctx context.Context) ([]Permission, error)
	LoadRoleGrants(ctx context.Context) ([]Grant, error)
	OperatorGrants(ctx context.Context, operatorID int64) ([]Code, error)
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error
}
