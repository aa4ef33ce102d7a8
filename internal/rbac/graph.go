package rbac

import (
	"errors"

	"github.com/dominikbraun/graph"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// ValidateEdge reports ErrConflict when adding parent -> child to the existing
// edges would duplicate an edge or close a cycle. Cycles already present in
// the stored edges are tolerated here; the resolver guards them at read time.
func ValidateEdge(existing []HierarchyEdge, parentID, childID string) error {
	if parentID == childID {
		return shared.Conflictf("role %s cannot inherit from itself", childID)
	}
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	ensure := func(id string) error {
		if err := g.AddVertex(id); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return err
		}
		return nil
	}
	for _, e := range existing {
		if err := ensure(e.ParentRoleID); err != nil {
			return err
		}
		if err := ensure(e.ChildRoleID); err != nil {
			return err
		}
		err := g.AddEdge(e.ParentRoleID, e.ChildRoleID)
		if err != nil && !errors.Is(err, graph.ErrEdgeCreatesCycle) && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return err
		}
	}
	if err := ensure(parentID); err != nil {
		return err
	}
	if err := ensure(childID); err != nil {
		return err
	}

	switch err := g.AddEdge(parentID, childID); {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrEdgeAlreadyExists):
		return shared.Conflictf("role %s already inherits from %s", childID, parentID)
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		return shared.Conflictf("edge %s -> %s would create a cycle", parentID, childID)
	default:
		return err
	}
}
