package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// RiskLevel classifies the blast radius of a permission.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Wildcard matches any value for a code segment.
const Wildcard = "*"

// Code is a permission code in module:action:scope form. Grants may carry
// wildcard segments; catalog permissions are always exact. Modeling the
// three segments structurally keeps wildcard checks free of string-parsing
// edge cases at evaluation time.
type Code struct {
	Module string
	Action string
	Scope  string
}

// ErrMalformedCode indicates a permission code that could not be parsed.
var ErrMalformedCode = errors.New("rbac: malformed permission code")

// ParseCode parses a permission code. Missing trailing segments are treated
// as wildcards, so "user" and "user:*" both cover every user permission.
func ParseCode(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Code{}, ErrMalformedCode
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Code{}, fmt.Errorf("%w: %q", ErrMalformedCode, s)
	}
	for len(parts) < 3 {
		parts = append(parts, Wildcard)
	}
	for _, p := range parts {
		if p == "" {
			return Code{}, fmt.Errorf("%w: %q", ErrMalformedCode, s)
		}
	}
	return Code{Module: parts[0], Action: parts[1], Scope: parts[2]}, nil
}

// MustCode parses a code and panics on error. For static declarations only.
func MustCode(s string) Code {
	c, err := ParseCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the canonical module:action:scope form.
func (c Code) String() string {
	return c.Module + ":" + c.Action + ":" + c.Scope
}

// IsExact reports whether the code has no wildcard segments.
func (c Code) IsExact() bool {
	return c.Module != Wildcard && c.Action != Wildcard && c.Scope != Wildcard
}

// Covers reports whether this code (possibly a wildcard grant) matches the
// target. Segments are compared left to right; a wildcard segment matches
// any value in that position.
func (c Code) Covers(target Code) bool {
	return segmentMatches(c.Module, target.Module) &&
		segmentMatches(c.Action, target.Action) &&
		segmentMatches(c.Scope, target.Scope)
}

func segmentMatches(grant, target string) bool {
	return grant == Wildcard || grant == target
}

// Role is an operator role, ordered by privilege.
type Role string

const (
	RoleViewer     Role = "VIEWER"
	RoleAuditor    Role = "AUDITOR"
	RoleModerator  Role = "MODERATOR"
	RoleAdmin      Role = "ADMIN"
	RoleSuperOwner Role = "SUPER_OWNER"
)

var roleRanks = map[Role]int{
	RoleViewer:     1,
	RoleAuditor:    2,
	RoleModerator:  3,
	RoleAdmin:      4,
	RoleSuperOwner: 5,
}

// ErrUnknownRole indicates an unrecognized role name.
var ErrUnknownRole = errors.New("rbac: unknown role")

// ParseRole validates and normalizes a role name.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return role, nil
}

// Valid reports whether the role is one of the known tiers.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the numeric privilege ranking; unknown roles rank zero so
// they never satisfy a comparison.
func (r Role) Rank() int {
	return roleRanks[r]
}

// AtLeast reports whether this role ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank() && r.Rank() > 0
}

// Outranks reports whether this role ranks strictly above other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Permission is one entry of the immutable catalog.
type Permission struct {
	Code             Code
	Description      string
	Risk             RiskLevel
	RequiresMFA      bool
	RequiresApproval bool
}

// Grant ties a permission code to a role. CanDelegate marks whether holders
// may grant the code to other operators as a custom override.
type Grant struct {
	Role        Role
	Code        Code
	CanDelegate bool
}

// Operator is the resolver's view of the calling actor. Owned by the
// authentication subsystem; the core only reads these fields.
type Operator struct {
	ID           int64
	Role         Role
	CustomGrants []Code
	MFAVerified  bool
}

// Reason is the machine-readable explanation attached to a verdict.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnknownPermission Reason = "unknown_permission"
	ReasonMissingPermission Reason = "missing_permission"
	ReasonMFARequired       Reason = "mfa_required"
	ReasonApprovalRequired  Reason = "approval_required"
)

// Hint tells the operator what to do about a verdict, so a denial is never
// a bare forbidden.
func (r Reason) Hint() string {
	switch r {
	case ReasonMFARequired:
		return "re-authenticate with a second factor and retry"
	case ReasonApprovalRequired:
		return "submit an approval request and wait for a second approver"
	case ReasonMissingPermission:
		return "request the permission from an administrator"
	case ReasonUnknownPermission:
		return "verify the permission code"
	}
	return ""
}

// Verdict is the resolver's answer for one permission check.
type Verdict struct {
	Allowed          bool   `json:"allowed"`
	Reason           Reason `json:"reason,omitempty"`
	RequiresMFA      bool   `json:"requiresMfa"`
	RequiresApproval bool   `json:"requiresApproval"`
}
