// Package audit records every permission check and every sync-driven
// assignment mutation in append-only relations.
package audit

import "time"

// CheckEntry is written exactly once per completed permission check.
type CheckEntry struct {
	ID                 string
	PrincipalID        string
	ResourceType       string
	ResourceID         string
	Action             string
	Allowed            bool
	Reason             string
	MatchedPermissions int
	DeniedReasons      []string
	Context            map[string]any
	Error              string
	ProcessingTime     time.Duration
	CheckedAt          time.Time
}

// SyncEvent names a sync-driven assignment mutation.
type SyncEvent string

const (
	EventRoleAssigned SyncEvent = "role_assigned"
	EventRoleUpdated  SyncEvent = "role_updated"
	EventRoleRevoked  SyncEvent = "role_revoked"
)

// Revoke reasons.
const (
	// ReasonRemovedFromEcp is recorded when the external source no longer asserts a role.
	ReasonRemovedFromEcp = "removed_from_ecp"
	// ReasonExpired is recorded when a lapsed row is cleared to make room for a new grant.
	ReasonExpired = "expired"
)

// SyncEntry is written once per assignment mutation made by the synchronizer.
type SyncEntry struct {
	ID           string
	PrincipalID  string
	AssignmentID string
	RoleID       string
	ResourceType string
	ResourceID   *string
	Event        SyncEvent
	Reason       string
	Details      map[string]any
	OccurredAt   time.Time
}

// TimelineFilters narrows the check timeline.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	PrincipalID string
	Action      string
	Allowed     *bool
	Page        int
	PageSize    int
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []CheckEntry
	Paging PagingInfo
}
