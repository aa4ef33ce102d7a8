package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RoleSummary is one active assignment in a permission summary.
type RoleSummary struct {
	AssignmentID string     `json:"assignment_id"`
	RoleID       string     `json:"role_id"`
	RoleName     string     `json:"role_name"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	AssignedBy   string     `json:"assigned_by"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Summary describes everything a principal can currently do.
type Summary struct {
	PrincipalID    string                `json:"principal_id"`
	Roles          []RoleSummary         `json:"roles"`
	Permissions    []EffectivePermission `json:"permissions"`
	ResourceAccess map[string][]string   `json:"resource_access"`
	GeneratedAt    time.Time             `json:"generated_at"`
}

// UserPermissionSummary lists the principal's roles, effective permissions and
// the actions available per resource scope. Resource access keys are the
// assignment scope ("system", "workspace", "workspace:w1").
func (e *Evaluator) UserPermissionSummary(ctx context.Context, principalID string) (Summary, error) {
	if strings.TrimSpace(principalID) == "" {
		return Summary{}, shared.Validationf("principal_id required")
	}
	now := e.clock()
	assignments, err := e.store.ActiveAssignments(ctx, principalID, now)
	if err != nil {
		return Summary{}, shared.Internalf(err, "load assignments")
	}
	assignments = lo.Filter(assignments, func(a rbac.Assignment, _ int) bool {
		return a.IsActive && !a.Expired(now)
	})

	out := Summary{
		PrincipalID:    principalID,
		Roles:          make([]RoleSummary, 0, len(assignments)),
		Permissions:    []EffectivePermission{},
		ResourceAccess: map[string][]string{},
		GeneratedAt:    now.UTC(),
	}
	byRole := make(map[string][]EffectivePermission)
	seen := make(map[string]struct{})
	for _, a := range assignments {
		out.Roles = append(out.Roles, RoleSummary{
			AssignmentID: a.ID,
			RoleID:       a.RoleID,
			RoleName:     a.RoleName,
			ResourceType: a.ResourceType,
			ResourceID:   a.ResourceID,
			AssignedBy:   a.AssignedBy,
			ExpiresAt:    a.ExpiresAt,
		})
		perms, ok := byRole[a.RoleID]
		if !ok {
			perms, err = e.resolver.RolePermissions(ctx, a.RoleID)
			if err != nil {
				return Summary{}, shared.Internalf(err, "resolve role %s", a.RoleID)
			}
			byRole[a.RoleID] = perms
		}
		for _, p := range perms {
			if _, dup := seen[p.ID]; !dup {
				seen[p.ID] = struct{}{}
				out.Permissions = append(out.Permissions, p)
			}
		}
		key := scopeKey(a)
		actions := lo.Map(perms, func(p EffectivePermission, _ int) string {
			return fmt.Sprintf("%s:%s", p.ResourceType, p.Action)
		})
		out.ResourceAccess[key] = append(out.ResourceAccess[key], actions...)
	}
	for key, actions := range out.ResourceAccess {
		actions = lo.Uniq(actions)
		sort.Strings(actions)
		out.ResourceAccess[key] = actions
	}
	return out, nil
}

func scopeKey(a rbac.Assignment) string {
	if a.Unscoped() {
		return "system"
	}
	rt := strings.ToLower(a.ResourceType)
	if a.ResourceID == nil {
		return rt
	}
	return rt + ":" + *a.ResourceID
}
