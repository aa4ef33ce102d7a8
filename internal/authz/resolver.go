package authz

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/hierarchy"
)

// EffectivePermission is a permission a role holds directly or through inheritance.
type EffectivePermission struct {
	catalog.Permission
	RoleID        string `json:"role_id"`
	InheritedFrom string `json:"inherited_from,omitempty"`
}

// Inherited reports whether the permission came through a hierarchy edge.
func (p EffectivePermission) Inherited() bool {
	return p.InheritedFrom != ""
}

// PermissionResolver returns a role's direct and inherited permissions.
type PermissionResolver interface {
	RolePermissions(ctx context.Context, roleID string) ([]EffectivePermission, error)
}

// DirectSource reads a role's own permissions.
type DirectSource interface {
	RolePermissions(ctx context.Context, roleID string) ([]catalog.Permission, error)
}

// RoleResolver merges direct permissions with the hierarchy resolver's output.
type RoleResolver struct {
	direct    DirectSource
	hierarchy *hierarchy.Resolver
}

// NewRoleResolver constructs a resolver. hierarchy may be nil to disable inheritance.
func NewRoleResolver(direct DirectSource, h *hierarchy.Resolver) *RoleResolver {
	return &RoleResolver{direct: direct, hierarchy: h}
}

// RolePermissions returns direct ∪ inherited permissions merged by id; direct entries win.
func (r *RoleResolver) RolePermissions(ctx context.Context, roleID string) ([]EffectivePermission, error) {
	direct, err := r.direct.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("direct permissions of %s: %w", roleID, err)
	}
	out := make([]EffectivePermission, 0, len(direct))
	seen := make(map[string]struct{}, len(direct))
	for _, p := range direct {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, EffectivePermission{Permission: p, RoleID: roleID})
	}
	if r.hierarchy == nil {
		return out, nil
	}
	inherited, err := r.hierarchy.Inherited(ctx, roleID)
	if err != nil {
		return nil, err
	}
	for _, p := range inherited {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, EffectivePermission{Permission: p.Permission, RoleID: roleID, InheritedFrom: p.InheritedFrom})
	}
	return out, nil
}
