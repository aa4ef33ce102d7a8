package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

var validate = validator.New()

// CreateRoleRequest describes a new role.
type CreateRoleRequest struct {
	Name               string   `json:"name" validate:"required,max=100"`
	Description        string   `json:"description" validate:"max=500"`
	Type               RoleType `json:"type" validate:"required,oneof=system tenant workspace custom"`
	PermissionIDs      []string `json:"permission_ids" validate:"dive,required"`
	ParentRoleIDs      []string `json:"parent_role_ids" validate:"dive,required"`
	MaxAssignableLevel int      `json:"max_assignable_level" validate:"gte=0"`
}

// AssignRoleRequest binds a principal to a role.
type AssignRoleRequest struct {
	PrincipalID  string              `json:"principal_id" validate:"required"`
	RoleID       string              `json:"role_id" validate:"required"`
	ResourceType string              `json:"resource_type"`
	ResourceID   *string             `json:"resource_id"`
	ExpiresAt    *time.Time          `json:"expires_at"`
	Conditions   []catalog.Condition `json:"conditions"`
	Metadata     map[string]any      `json:"metadata"`
}

// CreateMappingRequest describes a new external role mapping.
type CreateMappingRequest struct {
	ExternalRoleID   string         `json:"external_role_id" validate:"required_without=ExternalRoleName"`
	ExternalRoleName string         `json:"external_role_name" validate:"required_without=ExternalRoleID"`
	InternalRoleID   string         `json:"internal_role_id" validate:"required"`
	TenantID         *string        `json:"tenant_id"`
	WorkspaceID      *string        `json:"workspace_id"`
	MappingType      MappingType    `json:"mapping_type" validate:"required,oneof=exact contains regex hierarchy"`
	MappingConfig    map[string]any `json:"mapping_config"`
	Priority         int            `json:"priority"`
}

// AddHierarchyEdgeRequest makes the child role inherit from the parent.
type AddHierarchyEdgeRequest struct {
	ParentRoleID    string              `json:"parent_role_id" validate:"required"`
	ChildRoleID     string              `json:"child_role_id" validate:"required,nefield=ParentRoleID"`
	InheritanceType InheritanceType     `json:"inheritance_type" validate:"omitempty,oneof=full partial conditional"`
	Conditions      []catalog.Condition `json:"conditions"`
}

// CreatePolicyRequest describes a new policy.
type CreatePolicyRequest struct {
	Name            string              `json:"name" validate:"required,max=100"`
	Description     string              `json:"description"`
	Type            PolicyType          `json:"type" validate:"required,oneof=allow deny conditional"`
	Conditions      []catalog.Condition `json:"conditions"`
	TargetActions   []string            `json:"target_actions" validate:"required,min=1,dive,required"`
	TargetResources []string            `json:"target_resources"`
	Priority        int                 `json:"priority"`
}

// ValidateStruct runs tag validation and folds failures into ErrValidation.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return shared.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return shared.Validationf("%s", strings.Join(msgs, "; "))
}

func validateConditions(conds []catalog.Condition) error {
	for i, c := range conds {
		if err := c.Validate(); err != nil {
			return shared.Validationf("condition %d: %v", i+1, err)
		}
	}
	return nil
}

// ValidateCreateRole validates a create role request.
func ValidateCreateRole(req CreateRoleRequest) error {
	return ValidateStruct(req)
}

// ValidateAssignRole validates an assign role request.
func ValidateAssignRole(req AssignRoleRequest, now time.Time) error {
	if err := ValidateStruct(req); err != nil {
		return err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return shared.Validationf("expires_at must be in the future")
	}
	if req.ResourceID != nil && strings.TrimSpace(req.ResourceType) == "" {
		return shared.Validationf("resource_type required when resource_id is set")
	}
	return validateConditions(req.Conditions)
}

// ValidateCreateMapping validates a mapping request, compiling regex patterns.
func ValidateCreateMapping(req CreateMappingRequest) error {
	if err := ValidateStruct(req); err != nil {
		return err
	}
	if req.MappingType == MappingHierarchy && strings.TrimSpace(req.ExternalRoleID) == "" {
		return shared.Validationf("external_role_id required for hierarchy mappings")
	}
	if req.MappingType == MappingRegex {
		pattern := MappingPattern(EcpRoleMapping{ExternalRoleName: req.ExternalRoleName, MappingConfig: req.MappingConfig})
		if _, err := regexp.Compile(pattern); err != nil {
			return shared.Validationf("invalid mapping pattern: %v", err)
		}
	}
	if conds, ok := req.MappingConfig["conditions"]; ok {
		if _, isList := conds.([]any); !isList {
			return shared.Validationf("mapping_config.conditions must be a list")
		}
	}
	return nil
}

// ValidateAddHierarchyEdge validates an edge request.
func ValidateAddHierarchyEdge(req AddHierarchyEdgeRequest) error {
	if err := ValidateStruct(req); err != nil {
		return err
	}
	return validateConditions(req.Conditions)
}

// ValidateCreatePolicy validates a policy request.
func ValidateCreatePolicy(req CreatePolicyRequest) error {
	if err := ValidateStruct(req); err != nil {
		return err
	}
	return validateConditions(req.Conditions)
}

// MappingPattern returns the regex for a regex mapping: mapping_config.pattern
// when present, otherwise the external role name.
func MappingPattern(m EcpRoleMapping) string {
	if raw, ok := m.MappingConfig["pattern"].(string); ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	return m.ExternalRoleName
}
