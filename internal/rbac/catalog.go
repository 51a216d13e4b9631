package rbac

import (
	"fmt"
	"sort"
)

// Catalog is the immutable permission table plus the static role-permission
// map, loaded once at startup and injected into the resolver. Never mutated
// at runtime; re-seeding requires a restart.
type Catalog struct {
	perms      map[Code]Permission
	roleGrants map[Role][]Grant
}

// NewCatalog validates and indexes the seeded permissions and grants.
// SUPER_OWNER rows are rejected: the top tier holds everything implicitly
// and must never be materialized.
func NewCatalog(perms []Permission, grants []Grant) (*Catalog, error) {
	c := &Catalog{
		perms:      make(map[Code]Permission, len(perms)),
		roleGrants: make(map[Role][]Grant),
	}
	for _, p := range perms {
		if !p.Code.IsExact() {
			return nil, fmt.Errorf("rbac: catalog permission %q must be exact", p.Code)
		}
		if !p.Risk.Valid() {
			return nil, fmt.Errorf("rbac: permission %q has invalid risk %q", p.Code, p.Risk)
		}
		if _, dup := c.perms[p.Code]; dup {
			return nil, fmt.Errorf("rbac: duplicate permission %q", p.Code)
		}
		c.perms[p.Code] = p
	}
	for _, g := range grants {
		if !g.Role.Valid() {
			return nil, fmt.Errorf("rbac: grant references unknown role %q", g.Role)
		}
		if g.Role == RoleSuperOwner {
			return nil, fmt.Errorf("rbac: top tier must not carry explicit grants (%q)", g.Code)
		}
		if g.Code.IsExact() {
			if _, ok := c.perms[g.Code]; !ok {
				return nil, fmt.Errorf("rbac: grant for role %q references unknown permission %q", g.Role, g.Code)
			}
		}
		c.roleGrants[g.Role] = append(c.roleGrants[g.Role], g)
	}
	return c, nil
}

// Lookup returns the permission metadata for an exact code.
func (c *Catalog) Lookup(code Code) (Permission, bool) {
	p, ok := c.perms[code]
	return p, ok
}

// RoleHolds reports whether the role-permission map grants target to role,
// including via wildcard grants.
func (c *Catalog) RoleHolds(role Role, target Code) bool {
	for _, g := range c.roleGrants[role] {
		if g.Code.Covers(target) {
			return true
		}
	}
	return false
}

// CanDelegate reports whether holders of role may grant target to others as
// a custom override.
func (c *Catalog) CanDelegate(role Role, target Code) bool {
	if role == RoleSuperOwner {
		return true
	}
	for _, g := range c.roleGrants[role] {
		if g.CanDelegate && g.Code.Covers(target) {
			return true
		}
	}
	return false
}

// Permissions returns the catalog contents sorted by code.
func (c *Catalog) Permissions() []Permission {
	out := make([]Permission, 0, len(c.perms))
	for _, p := range c.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code.String() < out[j].Code.String() })
	return out
}

// Size returns the number of catalog entries.
func (c *Catalog) Size() int {
	return len(c.perms)
}
