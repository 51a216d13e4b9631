package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/shared"
)

// SettingsProvider supplies the role-tiered timeout tunables. Satisfied by
// the rbac service.
type SettingsProvider interface {
	Settings(ctx context.Context) (rbac.Settings, error)
}

// Gatekeeper verifies presented credentials and session liveness.
type Gatekeeper struct {
	secret   []byte
	store    *Store
	settings SettingsProvider
	now      func() time.Time
}

// NewGatekeeper constructs a Gatekeeper.
func NewGatekeeper(secret string, store *Store, settings SettingsProvider) *Gatekeeper {
	return &Gatekeeper{secret: []byte(secret), store: store, settings: settings, now: time.Now}
}

// Issue signs a credential for an established session. Session creation
// itself (login, MFA ceremony) belongs to the authentication subsystem;
// this only binds its outcome into a verifiable token.
func (g *Gatekeeper) Issue(claims Claims, validity time.Duration) (string, error) {
	now := g.now().UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(validity))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign credential: %w", err)
	}
	return signed, nil
}

// Authenticate verifies the credential's signature and expiry, confirms the
// referenced session is alive (not revoked, not idle-timed-out, not past
// max lifetime), refreshes last activity, and returns the actor.
func (g *Gatekeeper) Authenticate(ctx context.Context, credential string) (shared.Actor, error) {
	claims := &Claims{}
	// One clock governs both credential expiry and session liveness.
	_, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return g.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return shared.Actor{}, ErrExpired
		}
		return shared.Actor{}, ErrBadSignature
	}

	rec, err := g.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return shared.Actor{}, ErrRevoked
		}
		return shared.Actor{}, fmt.Errorf("%w: %w", shared.ErrUnavailable, err)
	}
	if rec.Revoked {
		return shared.Actor{}, ErrRevoked
	}

	settings, err := g.settings.Settings(ctx)
	if err != nil {
		return shared.Actor{}, fmt.Errorf("%w: %w", shared.ErrUnavailable, err)
	}
	now := g.now().UTC()

	role, roleErr := rbac.ParseRole(claims.Role)
	if roleErr != nil {
		return shared.Actor{}, ErrBadSignature
	}
	// Idle timeout is role-dependent; the top tier gets the longer window.
	if now.Sub(rec.LastSeen) > settings.IdleTimeoutFor(role) {
		return shared.Actor{}, ErrIdleTimeout
	}
	if settings.MaxSessionLifetime > 0 && now.Sub(rec.CreatedAt) > settings.MaxSessionLifetime {
		return shared.Actor{}, ErrExpired
	}

	if err := g.store.Touch(ctx, claims.SessionID, now); err != nil {
		return shared.Actor{}, fmt.Errorf("%w: %w", shared.ErrUnavailable, err)
	}

	return shared.Actor{
		OperatorID:  claims.OperatorID,
		Role:        string(role),
		SessionID:   claims.SessionID,
		MFAVerified: claims.MFAVerified,
	}, nil
}
