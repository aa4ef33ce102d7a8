package ecpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// folded case-folds s. A Caser carries state, so each call gets its own.
func folded(s string) string {
	return cases.Fold().String(s)
}

// Mapper translates external roles into desired local assignments using the
// active mappings, falling back to the default role strategy.
type Mapper struct {
	mappings []rbac.EcpRoleMapping
	patterns map[string]*regexp.Regexp
	fallback DefaultRoleStrategy
	source   string
}

// NewMapper builds a mapper over mappings already ordered by priority desc,
// created_at asc. Regex mappings whose pattern does not compile are skipped.
func NewMapper(mappings []rbac.EcpRoleMapping, fallback DefaultRoleStrategy, source string) (*Mapper, []error) {
	m := &Mapper{patterns: make(map[string]*regexp.Regexp), fallback: fallback, source: source}
	var errs []error
	for _, mapping := range mappings {
		if !mapping.IsActive {
			continue
		}
		if mapping.MappingType == rbac.MappingRegex {
			re, err := regexp.Compile(rbac.MappingPattern(mapping))
			if err != nil {
				errs = append(errs, fmt.Errorf("mapping %s: %w", mapping.ID, err))
				continue
			}
			m.patterns[mapping.ID] = re
		}
		m.mappings = append(m.mappings, mapping)
	}
	return m, errs
}

// Resolve returns the desired assignments for one principal's external roles,
// de-duplicated by assignment key in first-seen order.
func (m *Mapper) Resolve(ctx context.Context, roles []ecp.ExternalRole) ([]Desired, error) {
	var out []Desired
	seen := make(map[string]struct{})
	add := func(d Desired) {
		if _, dup := seen[d.Key()]; dup {
			return
		}
		seen[d.Key()] = struct{}{}
		out = append(out, d)
	}
	for _, role := range roles {
		matched := false
		for _, mapping := range m.mappings {
			if !m.matches(mapping, role) || !inScope(mapping, role) {
				continue
			}
			d, err := m.fromMapping(mapping, role)
			if err != nil {
				return nil, err
			}
			add(d)
			matched = true
		}
		if matched || m.fallback == nil {
			continue
		}
		roleID, ok, err := m.fallback.Resolve(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("default role for %q: %w", role.RoleName, err)
		}
		if ok {
			add(m.fromDefault(roleID, role))
		}
	}
	return out, nil
}

func (m *Mapper) matches(mapping rbac.EcpRoleMapping, role ecp.ExternalRole) bool {
	switch mapping.MappingType {
	case rbac.MappingExact:
		if mapping.ExternalRoleID != "" {
			return mapping.ExternalRoleID == role.RoleID
		}
		return folded(mapping.ExternalRoleName) == folded(role.RoleName)
	case rbac.MappingContains:
		pattern := folded(rbac.MappingPattern(mapping))
		return pattern != "" && strings.Contains(folded(role.RoleName), pattern)
	case rbac.MappingRegex:
		re := m.patterns[mapping.ID]
		return re != nil && re.MatchString(role.RoleName)
	case rbac.MappingHierarchy:
		if mapping.ExternalRoleID == "" {
			return false
		}
		if mapping.ExternalRoleID == role.RoleID {
			return true
		}
		for _, parent := range role.ParentRoleIDs {
			if parent == mapping.ExternalRoleID {
				return true
			}
		}
	}
	return false
}

// inScope rejects a scoped mapping only when the external tuple names a
// different tenant or workspace.
func inScope(mapping rbac.EcpRoleMapping, role ecp.ExternalRole) bool {
	if mapping.TenantID != nil && role.TenantID != "" && *mapping.TenantID != role.TenantID {
		return false
	}
	if mapping.WorkspaceID != nil && role.WorkspaceID != "" && *mapping.WorkspaceID != role.WorkspaceID {
		return false
	}
	return true
}

func (m *Mapper) fromMapping(mapping rbac.EcpRoleMapping, role ecp.ExternalRole) (Desired, error) {
	rt, rid := scopeFor(mapping.TenantID, mapping.WorkspaceID, role)
	conds, err := mappingConditions(mapping)
	if err != nil {
		return Desired{}, fmt.Errorf("mapping %s: %w", mapping.ID, err)
	}
	return newDesired(mapping.InternalRoleID, rt, rid, conds, map[string]any{
		"source":             m.source,
		"mapping_id":         mapping.ID,
		"mapping_type":       string(mapping.MappingType),
		"external_role_id":   role.RoleID,
		"external_role_name": role.RoleName,
	}), nil
}

func (m *Mapper) fromDefault(roleID string, role ecp.ExternalRole) Desired {
	rt, rid := scopeFor(nil, nil, role)
	return newDesired(roleID, rt, rid, nil, map[string]any{
		"source":             m.source,
		"mapping_type":       "default",
		"external_role_id":   role.RoleID,
		"external_role_name": role.RoleName,
	})
}

// scopeFor prefers the mapping's scope, then the external tuple's.
func scopeFor(tenantID, workspaceID *string, role ecp.ExternalRole) (string, *string) {
	switch {
	case workspaceID != nil && *workspaceID != "":
		return catalog.ResourceWorkspace, workspaceID
	case tenantID != nil && *tenantID != "":
		return catalog.ResourceTenant, tenantID
	case role.WorkspaceID != "":
		ws := role.WorkspaceID
		return catalog.ResourceWorkspace, &ws
	case role.TenantID != "":
		tenant := role.TenantID
		return catalog.ResourceTenant, &tenant
	}
	return catalog.ResourceSystem, nil
}

// mappingConditions reads mapping_config.conditions into assignment conditions.
func mappingConditions(mapping rbac.EcpRoleMapping) ([]catalog.Condition, error) {
	raw, ok := mapping.MappingConfig["conditions"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var conds []catalog.Condition
	if err := json.Unmarshal(encoded, &conds); err != nil {
		return nil, fmt.Errorf("conditions: %w", err)
	}
	return conds, nil
}
