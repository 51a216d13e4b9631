package rbac

// Resolver answers "is action X allowed right now, and if not, why" from
// the loaded catalog and the operator's state. Pure: it never writes audit
// entries itself; call sites that deny are expected to log the verdict.
type Resolver struct {
	catalog *Catalog
}

// NewResolver constructs a Resolver over an immutable catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Check evaluates a single permission code for the operator.
func (r *Resolver) Check(op Operator, code string) Verdict {
	target, err := ParseCode(code)
	if err != nil || !target.IsExact() {
		return Verdict{Reason: ReasonUnknownPermission}
	}

	// The top tier owns everything, including approval-gated actions.
	if op.Role == RoleSuperOwner {
		return Verdict{Allowed: true}
	}

	perm, ok := r.catalog.Lookup(target)
	if !ok {
		// Fail closed on codes the catalog has never seen.
		return Verdict{Reason: ReasonUnknownPermission}
	}

	if !r.granted(op, target) {
		return Verdict{Reason: ReasonMissingPermission}
	}

	// MFA freshness gates execution, not grant status.
	if perm.RequiresMFA && !op.MFAVerified {
		return Verdict{Reason: ReasonMFARequired, RequiresMFA: true}
	}

	if perm.RequiresApproval {
		return Verdict{
			Allowed:          true,
			Reason:           ReasonApprovalRequired,
			RequiresMFA:      perm.RequiresMFA,
			RequiresApproval: true,
		}
	}

	return Verdict{Allowed: true, RequiresMFA: perm.RequiresMFA}
}

// CheckAny evaluates codes with OR semantics: the first allowing verdict
// wins. When every code fails, the first denial is surfaced.
func (r *Resolver) CheckAny(op Operator, codes ...string) Verdict {
	if len(codes) == 0 {
		return Verdict{Reason: ReasonUnknownPermission}
	}
	var first *Verdict
	for _, code := range codes {
		v := r.Check(op, code)
		if v.Allowed {
			return v
		}
		if first == nil {
			first = &v
		}
	}
	return *first
}

// CheckAll evaluates codes with AND semantics, surfacing the first failing
// reason. On success the approval and MFA flags are the union of the
// individual verdicts.
func (r *Resolver) CheckAll(op Operator, codes ...string) Verdict {
	if len(codes) == 0 {
		return Verdict{Reason: ReasonUnknownPermission}
	}
	combined := Verdict{Allowed: true}
	for _, code := range codes {
		v := r.Check(op, code)
		if !v.Allowed {
			return v
		}
		if v.RequiresApproval {
			combined.RequiresApproval = true
			combined.Reason = ReasonApprovalRequired
		}
		if v.RequiresMFA {
			combined.RequiresMFA = true
		}
	}
	return combined
}

func (r *Resolver) granted(op Operator, target Code) bool {
	if r.catalog.RoleHolds(op.Role, target) {
		return true
	}
	for _, g := range op.CustomGrants {
		if g.Covers(target) {
			return true
		}
	}
	return false
}
