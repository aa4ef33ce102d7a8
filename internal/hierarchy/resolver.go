// Package hierarchy resolves permissions inherited through role hierarchy
// edges and guards the edge set against cycles.
package hierarchy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Source provides role permissions and the edges a role inherits through.
type Source interface {
	RolePermissions(ctx context.Context, roleID string) ([]catalog.Permission, error)
	ParentEdges(ctx context.Context, roleID string) ([]rbac.HierarchyEdge, error)
}

// InheritedPermission is a permission reached through an edge.
type InheritedPermission struct {
	catalog.Permission
	InheritedFrom string
	EdgeID        string
}

// Resolver walks parent edges depth first.
type Resolver struct {
	source Source
	logger *slog.Logger
}

// NewResolver constructs a resolver.
func NewResolver(source Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger.With(slog.String("component", "hierarchy"))}
}

type frame struct {
	roleID string
	edges  []rbac.HierarchyEdge
	next   int
}

// Inherited returns the de-duplicated permissions roleID inherits from its
// ancestors, in discovery order. A role reached twice is skipped, so a
// corrupted cyclic graph still terminates.
func (r *Resolver) Inherited(ctx context.Context, roleID string) ([]InheritedPermission, error) {
	if r == nil || r.source == nil {
		return nil, fmt.Errorf("hierarchy: resolver not configured")
	}
	visited := map[string]struct{}{roleID: {}}
	seen := make(map[string]struct{})
	var out []InheritedPermission

	edges, err := r.source.ParentEdges(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: parent edges of %s: %w", roleID, err)
	}
	stack := []*frame{{roleID: roleID, edges: edges}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		if top.next >= len(top.edges) {
			stack = stack[:len(stack)-1]
			continue
		}
		edge := top.edges[top.next]
		top.next++

		parent := edge.ParentRoleID
		if _, ok := visited[parent]; ok {
			r.logger.Debug("role revisited, skipping",
				slog.String("role_id", parent), slog.String("via", top.roleID))
			continue
		}
		visited[parent] = struct{}{}

		perms, err := r.source.RolePermissions(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: permissions of %s: %w", parent, err)
		}
		for _, perm := range perms {
			if !Passes(edge, perm) {
				continue
			}
			if _, dup := seen[perm.ID]; dup {
				continue
			}
			seen[perm.ID] = struct{}{}
			out = append(out, InheritedPermission{Permission: perm, InheritedFrom: parent, EdgeID: edge.ID})
		}

		grand, err := r.source.ParentEdges(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: parent edges of %s: %w", parent, err)
		}
		stack = append(stack, &frame{roleID: parent, edges: grand})
	}
	return out, nil
}

// Passes applies the edge's inheritance filter to one parent permission.
// Partial and conditional edges without conditions pass everything.
func Passes(edge rbac.HierarchyEdge, perm catalog.Permission) bool {
	switch edge.InheritanceType {
	case rbac.InheritFull, "":
		return true
	case rbac.InheritPartial, rbac.InheritConditional:
		if len(edge.Conditions) == 0 {
			return true
		}
		ok, _, err := catalog.EvaluateAll(edge.Conditions, perm.Attributes())
		return err == nil && ok
	}
	return false
}
