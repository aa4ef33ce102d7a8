package ecpsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// DefaultRoleStrategy picks a local role for an external role no mapping matched.
type DefaultRoleStrategy interface {
	Resolve(ctx context.Context, role ecp.ExternalRole) (roleID string, ok bool, err error)
}

// RoleLookup finds local roles by name.
type RoleLookup interface {
	FindRoleByName(ctx context.Context, name string) (rbac.Role, error)
}

// KeywordRule maps a keyword in the external role name to candidate local
// role names, tried in order.
type KeywordRule struct {
	Keyword    string   `yaml:"keyword"`
	Candidates []string `yaml:"candidates"`
}

// DefaultKeywordRules is used when no rules file is configured.
var DefaultKeywordRules = []KeywordRule{
	{Keyword: "admin", Candidates: []string{"system_admin", "admin"}},
	{Keyword: "manager", Candidates: []string{"tenant_manager", "workspace_manager", "manager"}},
	{Keyword: "user", Candidates: []string{"user", "member"}},
	{Keyword: "viewer", Candidates: []string{"viewer", "read_only"}},
}

// KeywordStrategy matches the first rule whose keyword appears in the external
// role name and returns the first candidate that exists locally.
type KeywordStrategy struct {
	rules  []KeywordRule
	lookup RoleLookup
}

// NewKeywordStrategy builds a strategy; nil rules selects the defaults.
func NewKeywordStrategy(rules []KeywordRule, lookup RoleLookup) *KeywordStrategy {
	if rules == nil {
		rules = DefaultKeywordRules
	}
	return &KeywordStrategy{rules: rules, lookup: lookup}
}

// LoadKeywordStrategy reads rules from a YAML file of the form
// `rules: [{keyword: admin, candidates: [system_admin]}]`. An empty path
// selects the defaults.
func LoadKeywordStrategy(path string, lookup RoleLookup) (*KeywordStrategy, error) {
	if strings.TrimSpace(path) == "" {
		return NewKeywordStrategy(nil, lookup), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read default role rules: %w", err)
	}
	var doc struct {
		Rules []KeywordRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse default role rules: %w", err)
	}
	for i, rule := range doc.Rules {
		if strings.TrimSpace(rule.Keyword) == "" || len(rule.Candidates) == 0 {
			return nil, fmt.Errorf("default role rule %d: keyword and candidates required", i)
		}
	}
	if doc.Rules == nil {
		doc.Rules = []KeywordRule{}
	}
	return NewKeywordStrategy(doc.Rules, lookup), nil
}

// Resolve implements DefaultRoleStrategy.
func (s *KeywordStrategy) Resolve(ctx context.Context, role ecp.ExternalRole) (string, bool, error) {
	name := folded(role.RoleName)
	if name == "" {
		name = folded(role.RoleID)
	}
	for _, rule := range s.rules {
		if !strings.Contains(name, folded(rule.Keyword)) {
			continue
		}
		for _, candidate := range rule.Candidates {
			found, err := s.lookup.FindRoleByName(ctx, candidate)
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", false, err
			}
			return found.ID, true, nil
		}
		return "", false, nil
	}
	return "", false, nil
}
