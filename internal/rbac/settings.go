package rbac

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Settings is the singleton tunable row read by the other components.
// Written only through the config-change action, which is itself
// approval-gated in the catalog.
type Settings struct {
	IdleTimeout           time.Duration `json:"idleTimeout"`
	IdleTimeoutTopTier    time.Duration `json:"idleTimeoutTopTier"`
	MaxSessionLifetime    time.Duration `json:"maxSessionLifetime"`
	ApprovalTokenValidity time.Duration `json:"approvalTokenValidity"`
	MaxPendingApprovals   int           `json:"maxPendingApprovals"`
	MaxLoginFailures      int           `json:"maxLoginFailures"`
	LockoutDuration       time.Duration `json:"lockoutDuration"`
}

// DefaultSettings returns the values applied when the settings row has
// never been written.
func DefaultSettings() Settings {
	return Settings{
		IdleTimeout:           30 * time.Minute,
		IdleTimeoutTopTier:    2 * time.Hour,
		MaxSessionLifetime:    12 * time.Hour,
		ApprovalTokenValidity: 30 * time.Minute,
		MaxPendingApprovals:   5,
		MaxLoginFailures:      5,
		LockoutDuration:       15 * time.Minute,
	}
}

// IdleTimeout returns the idle-session timeout for a role tier. The top
// tier gets the longer window.
func (s Settings) IdleTimeoutFor(role Role) time.Duration {
	if role == RoleSuperOwner && s.IdleTimeoutTopTier > 0 {
		return s.IdleTimeoutTopTier
	}
	return s.IdleTimeout
}

// SettingsStore caches the singleton settings row with a short TTL so hot
// permission/session paths do not hit the database per request.
type SettingsStore struct {
	repo   Repository
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	cached    Settings
	fetchedAt time.Time
	refresh   singleflight.Group
}

// NewSettingsStore constructs a SettingsStore with the given cache TTL.
func NewSettingsStore(repo Repository, logger *slog.Logger, ttl time.Duration) *SettingsStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SettingsStore{repo: repo, logger: logger, ttl: ttl, now: time.Now}
}

// Current returns the settings, reading through the cache. When the store
// is unreachable and a previously cached value exists, that value is served
// so session checks do not flap on transient outages.
func (st *SettingsStore) Current(ctx context.Context) (Settings, error) {
	st.mu.RLock()
	if !st.fetchedAt.IsZero() && st.now().Sub(st.fetchedAt) < st.ttl {
		cached := st.cached
		st.mu.RUnlock()
		return cached, nil
	}
	st.mu.RUnlock()

	// Collapse the stampede of concurrent refreshes into one fetch.
	v, err, _ := st.refresh.Do("settings", func() (any, error) {
		settings, err := st.repo.GetSettings(ctx)
		if err != nil {
			return Settings{}, err
		}
		st.mu.Lock()
		st.cached = settings
		st.fetchedAt = st.now()
		st.mu.Unlock()
		return settings, nil
	})
	if err != nil {
		st.mu.RLock()
		defer st.mu.RUnlock()
		if !st.fetchedAt.IsZero() {
			if st.logger != nil {
				st.logger.Warn("settings refresh failed, serving cached", slog.Any("error", err))
			}
			return st.cached, nil
		}
		return Settings{}, err
	}
	return v.(Settings), nil
}

// Update persists new settings and primes the cache. Callers must have
// routed the change through the approval workflow first.
func (st *SettingsStore) Update(ctx context.Context, settings Settings) error {
	if err := st.repo.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	st.mu.Lock()
	st.cached = settings
	st.fetchedAt = st.now()
	st.mu.Unlock()
	return nil
}
