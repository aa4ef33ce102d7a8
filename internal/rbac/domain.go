package rbac

import (
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
)

// RoleType classifies a role.
type RoleType string

const (
	RoleTypeSystem    RoleType = "system"
	RoleTypeTenant    RoleType = "tenant"
	RoleTypeWorkspace RoleType = "workspace"
	RoleTypeCustom    RoleType = "custom"
)

// Role represents a named, ordered permission set.
type Role struct {
	ID                 string
	Name               string
	Description        string
	Type               RoleType
	Permissions        []catalog.Permission
	MaxAssignableLevel int
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InheritanceType controls which parent permissions flow across an edge.
type InheritanceType string

const (
	InheritFull        InheritanceType = "full"
	InheritPartial     InheritanceType = "partial"
	InheritConditional InheritanceType = "conditional"
)

// HierarchyEdge makes ChildRoleID inherit from ParentRoleID.
type HierarchyEdge struct {
	ID              string
	ParentRoleID    string
	ChildRoleID     string
	InheritanceType InheritanceType
	Conditions      []catalog.Condition
	CreatedAt       time.Time
}

// Assignment binds a principal to a role, optionally scoped to a resource.
type Assignment struct {
	ID            string
	PrincipalID   string
	RoleID        string
	RoleName      string
	ResourceType  string
	ResourceID    *string
	AssignedBy    string
	AssignedAt    time.Time
	ExpiresAt     *time.Time
	IsActive      bool
	Conditions    []catalog.Condition
	Metadata      map[string]any
	DeactivatedAt *time.Time
	DeactivatedBy string
}

// Unscoped reports whether the assignment applies system wide.
func (a Assignment) Unscoped() bool {
	rt := strings.TrimSpace(a.ResourceType)
	return rt == "" || rt == catalog.ResourceSystem
}

// Expired reports whether expires_at has passed.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// AppliesTo reports whether the assignment covers a request for the resource.
// Scoped assignments only apply to their own resource id.
func (a Assignment) AppliesTo(resourceType, resourceID string) bool {
	if a.Unscoped() {
		return true
	}
	if !strings.EqualFold(a.ResourceType, resourceType) {
		return false
	}
	return a.ResourceID == nil || *a.ResourceID == resourceID
}

// Key identifies the (role, resource scope) tuple the uniqueness invariant is defined on.
func (a Assignment) Key() string {
	return AssignmentKey(a.RoleID, a.ResourceType, a.ResourceID)
}

// AssignmentKey builds the tuple key for a role and resource scope.
func AssignmentKey(roleID, resourceType string, resourceID *string) string {
	rt := strings.ToLower(strings.TrimSpace(resourceType))
	if rt == "" {
		rt = catalog.ResourceSystem
	}
	rid := ""
	if resourceID != nil {
		rid = *resourceID
	}
	return roleID + "|" + rt + "|" + rid
}

// MappingType selects how an external role is matched.
type MappingType string

const (
	MappingExact     MappingType = "exact"
	MappingContains  MappingType = "contains"
	MappingRegex     MappingType = "regex"
	MappingHierarchy MappingType = "hierarchy"
)

// EcpRoleMapping translates an externally asserted role into an internal role.
type EcpRoleMapping struct {
	ID               string
	ExternalRoleID   string
	ExternalRoleName string
	InternalRoleID   string
	TenantID         *string
	WorkspaceID      *string
	MappingType      MappingType
	MappingConfig    map[string]any
	Priority         int
	IsActive         bool
	CreatedBy        string
	CreatedAt        time.Time
}

// PolicyType is the effect of a policy.
type PolicyType string

const (
	PolicyAllow       PolicyType = "allow"
	PolicyDeny        PolicyType = "deny"
	PolicyConditional PolicyType = "conditional"
)

// Policy is an allow/deny overlay evaluated after permission matching.
type Policy struct {
	ID              string
	Name            string
	Description     string
	Type            PolicyType
	Conditions      []catalog.Condition
	TargetActions   []string
	TargetResources []string
	Priority        int
	IsActive        bool
	CreatedAt       time.Time
}

// Targets reports whether the policy applies to the action and resource type.
// An empty resource list targets every resource type.
func (p Policy) Targets(action, resourceType string) bool {
	actionHit := false
	for _, pattern := range p.TargetActions {
		if catalog.MatchAction(pattern, action) {
			actionHit = true
			break
		}
	}
	if !actionHit {
		return false
	}
	if len(p.TargetResources) == 0 {
		return true
	}
	for _, rt := range p.TargetResources {
		if catalog.MatchResourceType(rt, resourceType) {
			return true
		}
	}
	return false
}
