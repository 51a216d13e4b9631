// Package session establishes "who is calling, with what role, with MFA how
// fresh" for the permission resolver to consume. It decides identity, never
// permissions.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Closed taxonomy of authentication failures, so the boundary layer can
// render the correct operator-facing message.
var (
	ErrBadSignature = errors.New("session: bad credential signature")
	ErrExpired      = errors.New("session: credential expired")
	ErrRevoked      = errors.New("session: session revoked")
	ErrIdleTimeout  = errors.New("session: idle timeout")
	ErrNotFound     = errors.New("session: not found")
)

// Claims is the signed, time-bounded credential presented per request.
type Claims struct {
	OperatorID  int64  `json:"operatorId"`
	Role        string `json:"role"`
	SessionID   string `json:"sessionId"`
	MFAVerified bool   `json:"mfaVerified"`
	jwt.RegisteredClaims
}

// Record is the server-side session state kept in Redis. The credential
// alone is not enough: revocation and idle timeout are server-side facts.
type Record struct {
	SessionID  string    `json:"sessionId"`
	OperatorID int64     `json:"operatorId"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
	Revoked    bool      `json:"revoked"`
}
