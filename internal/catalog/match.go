package catalog

import "strings"

const wildcard = "*"

// MatchAction reports whether a catalog action pattern grants the requested action.
//
// Supported forms: exact match, a bare "*", a trailing wildcard ("read:*",
// "reports.*") and namespaced "category:action" where either half may be "*".
func MatchAction(pattern, action string) bool {
	pattern = strings.TrimSpace(pattern)
	action = strings.TrimSpace(action)
	if pattern == "" || action == "" {
		return false
	}
	if pattern == wildcard || pattern == action {
		return true
	}
	pCat, pAct, pNamespaced := strings.Cut(pattern, ":")
	aCat, aAct, aNamespaced := strings.Cut(action, ":")
	if pNamespaced && aNamespaced {
		return matchPart(pCat, aCat) && matchPart(pAct, aAct)
	}
	if strings.HasSuffix(pattern, wildcard) {
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, wildcard))
	}
	return false
}

func matchPart(pattern, value string) bool {
	if pattern == wildcard || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, wildcard) {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, wildcard))
	}
	return false
}

// MatchResourceType reports whether a catalog resource type covers the requested one.
func MatchResourceType(catalogType, requested string) bool {
	catalogType = strings.ToLower(strings.TrimSpace(catalogType))
	if catalogType == ResourceAll || catalogType == ResourceWildcard {
		return true
	}
	return catalogType != "" && catalogType == strings.ToLower(strings.TrimSpace(requested))
}

// Matches reports whether the permission covers the requested resource type,
// action and scope target.
func (p Permission) Matches(t Target, action string) bool {
	return MatchResourceType(p.ResourceType, t.ResourceType) &&
		MatchAction(p.Action, action) &&
		p.Scope.SatisfiedBy(t)
}
