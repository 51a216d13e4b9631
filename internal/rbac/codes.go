package rbac

// Platform permission codes. The catalog seed below is the source of truth
// for risk and gating metadata; handlers reference these constants instead
// of literal strings.
const (
	PermUserView    = "user:view:all"
	PermUserFreeze  = "user:freeze:all"
	PermUserUnlock  = "user:unlock:all"
	PermRoleAssign  = "role:assign:all"
	PermRoleView    = "role:view:all"
	PermPermView    = "permission:view:all"
	PermPermGrant   = "permission:grant:all"
	PermDeployView  = "deploy:view:all"
	PermDeployPromo = "deploy:promote:all"

	PermTreasuryView     = "treasury:view:all"
	PermTreasuryOperate  = "treasury:operate:all"
	PermSystemPause      = "system:pause:all"
	PermSystemResume     = "system:resume:all"
	PermConfigView       = "system:config:view"
	PermConfigUpdate     = "system:config:update"
	PermSessionRevoke    = "session:revoke:all"
	PermApprovalView     = "approval:view:all"
	PermApprovalVote     = "approval:vote:all"
	PermAuditView        = "audit:view:all"
	PermAuditExport      = "audit:export:all"
	PermAuditVerifyChain = "audit:verify:all"
)

// SeedPermissions returns the default permission catalog. Loaded into the
// database by the seed script and reused directly in tests.
func SeedPermissions() []Permission {
	return []Permission{
		{Code: MustCode(PermUserView), Description: "View platform users", Risk: RiskLow},
		{Code: MustCode(PermUserFreeze), Description: "Freeze a user account", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermUserUnlock), Description: "Unlock a locked user account", Risk: RiskMedium, RequiresMFA: true},
		{Code: MustCode(PermRoleAssign), Description: "Assign roles to operators", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermRoleView), Description: "View operator roles", Risk: RiskLow},
		{Code: MustCode(PermPermView), Description: "View the permission catalog", Risk: RiskLow},
		{Code: MustCode(PermPermGrant), Description: "Grant custom permissions", Risk: RiskHigh, RequiresMFA: true},
		{Code: MustCode(PermDeployView), Description: "View deployments", Risk: RiskLow},
		{Code: MustCode(PermDeployPromo), Description: "Promote a deployment", Risk: RiskHigh, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermTreasuryView), Description: "View treasury balances", Risk: RiskMedium},
		{Code: MustCode(PermTreasuryOperate), Description: "Initiate a treasury operation", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermSystemPause), Description: "Pause platform trading", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermSystemResume), Description: "Resume platform trading", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermConfigView), Description: "View control-plane configuration", Risk: RiskLow},
		{Code: MustCode(PermConfigUpdate), Description: "Change control-plane configuration", Risk: RiskCritical, RequiresMFA: true, RequiresApproval: true},
		{Code: MustCode(PermSessionRevoke), Description: "Revoke operator sessions", Risk: RiskHigh, RequiresMFA: true},
		{Code: MustCode(PermApprovalView), Description: "View approval requests", Risk: RiskLow},
		{Code: MustCode(PermApprovalVote), Description: "Vote on approval requests", Risk: RiskHigh, RequiresMFA: true},
		{Code: MustCode(PermAuditView), Description: "View the audit timeline", Risk: RiskLow},
		{Code: MustCode(PermAuditExport), Description: "Export the audit timeline", Risk: RiskMedium},
		{Code: MustCode(PermAuditVerifyChain), Description: "Verify audit chain integrity", Risk: RiskMedium},
	}
}

// SeedGrants returns the default role-permission map. SUPER_OWNER holds
// everything implicitly and has no rows here.
func SeedGrants() []Grant {
	return []Grant{
		{Role: RoleViewer, Code: MustCode(PermUserView)},
		{Role: RoleViewer, Code: MustCode(PermRoleView)},
		{Role: RoleViewer, Code: MustCode(PermDeployView)},

		{Role: RoleAuditor, Code: MustCode("audit:*")},
		{Role: RoleAuditor, Code: MustCode(PermUserView)},
		{Role: RoleAuditor, Code: MustCode(PermRoleView)},
		{Role: RoleAuditor, Code: MustCode(PermPermView)},
		{Role: RoleAuditor, Code: MustCode(PermApprovalView)},

		{Role: RoleModerator, Code: MustCode("user:view:*")},
		{Role: RoleModerator, Code: MustCode(PermUserUnlock)},
		{Role: RoleModerator, Code: MustCode(PermRoleView)},
		{Role: RoleModerator, Code: MustCode(PermDeployView)},
		{Role: RoleModerator, Code: MustCode(PermApprovalView)},
		{Role: RoleModerator, Code: MustCode(PermAuditView)},

		{Role: RoleAdmin, Code: MustCode("user:*"), CanDelegate: true},
		{Role: RoleAdmin, Code: MustCode("role:*")},
		{Role: RoleAdmin, Code: MustCode("permission:*"), CanDelegate: true},
		{Role: RoleAdmin, Code: MustCode("deploy:*")},
		{Role: RoleAdmin, Code: MustCode("treasury:*")},
		{Role: RoleAdmin, Code: MustCode("system:*")},
		{Role: RoleAdmin, Code: MustCode("session:*")},
		{Role: RoleAdmin, Code: MustCode("approval:*")},
		{Role: RoleAdmin, Code: MustCode("audit:*")},
	}
}
