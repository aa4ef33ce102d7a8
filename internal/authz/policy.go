package authz

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// policyVerdict is the outcome of the policy overlay.
type policyVerdict struct {
	denied  bool
	reason  string
	allowBy []string
}

// applyPolicies scans every active policy targeting the request. A matching
// deny wins regardless of where it sits relative to allow policies; allow
// policies never short-circuit the scan. A conditional policy denies when its
// conditions do not hold.
func applyPolicies(policies []rbac.Policy, action, resourceType string, attrs catalog.Attributes) (policyVerdict, error) {
	var v policyVerdict
	for _, p := range policies {
		if !p.IsActive || !p.Targets(action, resourceType) {
			continue
		}
		holds, _, err := catalog.EvaluateAll(p.Conditions, attrs)
		if err != nil {
			return policyVerdict{}, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		switch p.Type {
		case rbac.PolicyDeny:
			if holds {
				return policyVerdict{denied: true, reason: fmt.Sprintf("denied by policy %s", p.Name)}, nil
			}
		case rbac.PolicyConditional:
			if !holds {
				return policyVerdict{denied: true, reason: fmt.Sprintf("policy %s conditions not met", p.Name)}, nil
			}
		case rbac.PolicyAllow:
			if holds {
				v.allowBy = append(v.allowBy, p.Name)
			}
		default:
			return policyVerdict{}, fmt.Errorf("policy %s: unknown type %q", p.Name, p.Type)
		}
	}
	return v, nil
}
