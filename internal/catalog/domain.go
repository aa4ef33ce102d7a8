// Package catalog defines permissions, scopes, conditions and the action
// matching grammar shared by the evaluator, the hierarchy resolver and the
// synchronizer.
package catalog

import (
	"strings"
	"time"
)

// Scope is the breadth at which a permission applies.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeTenant    Scope = "tenant"
	ScopeWorkspace Scope = "workspace"
	ScopeResource  Scope = "resource"
)

// Valid reports whether the scope is one of the known values.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeWorkspace, ScopeResource:
		return true
	}
	return false
}

// Well-known resource types.
const (
	ResourceAll       = "all"
	ResourceWildcard  = "*"
	ResourceSystem    = "system"
	ResourceTenant    = "tenant"
	ResourceWorkspace = "workspace"
)

// Permission is an atomic capability on a resource type.
type Permission struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	ResourceType string      `json:"resource_type"`
	Action       string      `json:"action"`
	Scope        Scope       `json:"scope"`
	Conditions   []Condition `json:"conditions,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Attributes exposes the permission as a condition target, used by
// partial and conditional hierarchy edges.
func (p Permission) Attributes() Attributes {
	return Attributes{
		"id":            p.ID,
		"name":          p.Name,
		"resource_type": p.ResourceType,
		"action":        p.Action,
		"scope":         string(p.Scope),
	}
}

// Target is the part of a request that scope constraints are checked against.
type Target struct {
	ResourceType string
	ResourceID   string
	TenantID     string
	WorkspaceID  string
}

// ResolvedTenant returns the tenant the request resolves to, if any.
func (t Target) ResolvedTenant() string {
	if t.ResourceType == ResourceTenant && t.ResourceID != "" {
		return t.ResourceID
	}
	return strings.TrimSpace(t.TenantID)
}

// ResolvedWorkspace returns the workspace the request resolves to, if any.
func (t Target) ResolvedWorkspace() string {
	if t.ResourceType == ResourceWorkspace && t.ResourceID != "" {
		return t.ResourceID
	}
	return strings.TrimSpace(t.WorkspaceID)
}

// SatisfiedBy reports whether the scope constraint holds for the target.
func (s Scope) SatisfiedBy(t Target) bool {
	switch s {
	case ScopeGlobal, "":
		return true
	case ScopeTenant:
		return t.ResolvedTenant() != ""
	case ScopeWorkspace:
		return t.ResolvedWorkspace() != ""
	case ScopeResource:
		return strings.TrimSpace(t.ResourceID) != ""
	}
	return false
}
