package ecpsync

import (
	"encoding/hex"
	"encoding/json"

	"github.com/spf13/cast"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const fingerprintKey = "fingerprint"

// Desired is an assignment the external source says the principal should hold.
type Desired struct {
	RoleID       string
	ResourceType string
	ResourceID   *string
	Conditions   []catalog.Condition
	Metadata     map[string]any
}

// Key identifies the tuple the desired assignment reconciles against.
func (d Desired) Key() string {
	return rbac.AssignmentKey(d.RoleID, d.ResourceType, d.ResourceID)
}

// Fingerprint is the digest of the conditions and provenance metadata.
func (d Desired) Fingerprint() string {
	return cast.ToString(d.Metadata[fingerprintKey])
}

func newDesired(roleID, resourceType string, resourceID *string, conds []catalog.Condition, meta map[string]any) Desired {
	d := Desired{RoleID: roleID, ResourceType: resourceType, ResourceID: resourceID, Conditions: conds, Metadata: meta}
	d.Metadata[fingerprintKey] = fingerprint(conds, meta)
	return d
}

// fingerprint hashes the canonical JSON of conditions and metadata. Map keys
// are sorted by encoding/json, so equal content yields equal digests.
func fingerprint(conds []catalog.Condition, meta map[string]any) string {
	payload := struct {
		Conditions []catalog.Condition `json:"conditions"`
		Metadata   map[string]any      `json:"metadata"`
	}{Conditions: conds, Metadata: withoutFingerprint(meta)}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func withoutFingerprint(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k != fingerprintKey {
			out[k] = v
		}
	}
	return out
}

// Update pairs a stored assignment with the content it should now carry.
type Update struct {
	Current rbac.Assignment
	Desired Desired
}

// Plan is the set of writes that converges one principal.
type Plan struct {
	Create     []Desired
	Update     []Update
	Deactivate []rbac.Assignment
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Deactivate) == 0
}

// Diff compares the principal's active assignments with the desired set.
// Only assignments attributed to synchronizerID are ever updated or
// deactivated; an admin assignment on the same tuple satisfies the desired one.
func Diff(current []rbac.Assignment, desired []Desired, synchronizerID string) Plan {
	var plan Plan
	byKey := make(map[string]rbac.Assignment, len(current))
	for _, a := range current {
		if _, ok := byKey[a.Key()]; !ok {
			byKey[a.Key()] = a
		}
	}
	wanted := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		key := d.Key()
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = struct{}{}
		existing, ok := byKey[key]
		switch {
		case !ok:
			plan.Create = append(plan.Create, d)
		case existing.AssignedBy != synchronizerID:
		case cast.ToString(existing.Metadata[fingerprintKey]) != d.Fingerprint():
			plan.Update = append(plan.Update, Update{Current: existing, Desired: d})
		}
	}
	for _, a := range current {
		if a.AssignedBy != synchronizerID {
			continue
		}
		if _, ok := wanted[a.Key()]; !ok {
			plan.Deactivate = append(plan.Deactivate, a)
		}
	}
	return plan
}
