package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLRepository provides PostgreSQL backed persistence for the catalog,
// grants, and the settings singleton.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs a repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// LoadPermissions reads the full permission catalog.
func (r *SQLRepository) LoadPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, description, risk, requires_mfa, requires_approval
FROM permissions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("rbac: load permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var (
			code string
			p    Permission
			risk string
		)
		if err := rows.Scan(&code, &p.Description, &risk, &p.RequiresMFA, &p.RequiresApproval); err != nil {
			return nil, err
		}
		parsed, err := ParseCode(code)
		if err != nil {
			return nil, fmt.Errorf("rbac: seeded permission %q: %w", code, err)
		}
		p.Code = parsed
		p.Risk = RiskLevel(risk)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// LoadRoleGrants reads the static role-permission map.
func (r *SQLRepository) LoadRoleGrants(ctx context.Context) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `SELECT role, permission_code, can_delegate
FROM role_permissions ORDER BY role, permission_code`)
	if err != nil {
		return nil, fmt.Errorf("rbac: load role grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var (
			role string
			code string
			g    Grant
		)
		if err := rows.Scan(&role, &code, &g.CanDelegate); err != nil {
			return nil, err
		}
		parsedRole, err := ParseRole(role)
		if err != nil {
			return nil, err
		}
		parsedCode, err := ParseCode(code)
		if err != nil {
			return nil, fmt.Errorf("rbac: seeded grant %q: %w", code, err)
		}
		g.Role = parsedRole
		g.Code = parsedCode
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// OperatorGrants reads the custom permission codes granted to one operator.
func (r *SQLRepository) OperatorGrants(ctx context.Context, operatorID int64) ([]Code, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_code FROM operator_permissions
WHERE operator_id = $1 ORDER BY permission_code`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("rbac: operator grants: %w", err)
	}
	defer rows.Close()

	var codes []Code
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		code, err := ParseCode(raw)
		if err != nil {
			// A malformed stored grant must never widen access.
			continue
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// GetSettings reads the singleton settings row, falling back to defaults
// when it has never been written.
func (r *SQLRepository) GetSettings(ctx context.Context) (Settings, error) {
	var (
		idleSecs, idleTopSecs, maxLifetimeSecs, tokenValiditySecs, lockoutSecs int64
		s                                                                     Settings
	)
	err := r.pool.QueryRow(ctx, `SELECT idle_timeout_secs, idle_timeout_top_secs, max_session_lifetime_secs,
approval_token_validity_secs, max_pending_approvals, max_login_failures, lockout_secs
FROM rbac_config WHERE id = 1`).Scan(
		&idleSecs, &idleTopSecs, &maxLifetimeSecs, &tokenValiditySecs,
		&s.MaxPendingApprovals, &s.MaxLoginFailures, &lockoutSecs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("rbac: get settings: %w", err)
	}
	s.IdleTimeout = time.Duration(idleSecs) * time.Second
	s.IdleTimeoutTopTier = time.Duration(idleTopSecs) * time.Second
	s.MaxSessionLifetime = time.Duration(maxLifetimeSecs) * time.Second
	s.ApprovalTokenValidity = time.Duration(tokenValiditySecs) * time.Second
	s.LockoutDuration = time.Duration(lockoutSecs) * time.Second
	return s, nil
}

// UpdateSettings upserts the singleton settings row.
func (r *SQLRepository) UpdateSettings(ctx context.Context, s Settings) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO rbac_config (id, idle_timeout_secs, idle_timeout_top_secs,
max_session_lifetime_secs, approval_token_validity_secs, max_pending_approvals, max_login_failures, lockout_secs, updated_at)
VALUES (1, $1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO UPDATE SET
	idle_timeout_secs = EXCLUDED.idle_timeout_secs,
	idle_timeout_top_secs = EXCLUDED.idle_timeout_top_secs,
	max_session_lifetime_secs = EXCLUDED.max_session_lifetime_secs,
	approval_token_validity_secs = EXCLUDED.approval_token_validity_secs,
	max_pending_approvals = EXCLUDED.max_pending_approvals,
	max_login_failures = EXCLUDED.max_login_failures,
	lockout_secs = EXCLUDED.lockout_secs,
	updated_at = NOW()`,
		int64(s.IdleTimeout.Seconds()), int64(s.IdleTimeoutTopTier.Seconds()),
		int64(s.MaxSessionLifetime.Seconds()), int64(s.ApprovalTokenValidity.Seconds()),
		s.MaxPendingApprovals, s.MaxLoginFailures, int64(s.LockoutDuration.Seconds()))
	if err != nil {
		return fmt.Errorf("rbac: update settings: %w", err)
	}
	return nil
}
