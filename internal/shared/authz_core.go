package shared

// AdminResourceType is the resource type guarding the authorization core's own admin surface.
const AdminResourceType = "authz"

// Core administrative actions.
const (
	PermRolesCreate       = "roles:create"
	PermAssignmentsCreate = "assignments:create"
	PermAssignmentsRevoke = "assignments:revoke"
	PermHierarchyEdit     = "hierarchy:edit"
	PermPoliciesCreate    = "policies:create"
	PermMappingsCreate    = "mappings:create"
	PermPermissionsView   = "permissions:view"
	PermSyncRun           = "sync:run"
	PermSyncView          = "sync:view"
	PermAuditView         = "audit:view"
)

// CoreScopes lists every action the admin surface checks.
func CoreScopes() []string {
	return []string{
		PermRolesCreate,
		PermAssignmentsCreate,
		PermAssignmentsRevoke,
		PermHierarchyEdit,
		PermPoliciesCreate,
		PermMappingsCreate,
		PermPermissionsView,
		PermSyncRun,
		PermSyncView,
		PermAuditView,
	}
}
