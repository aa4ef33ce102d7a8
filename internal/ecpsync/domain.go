// Package ecpsync reconciles local role assignments with the roles the
// external identity source asserts.
package ecpsync

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// SyncType distinguishes full and incremental runs.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncPrincipal   SyncType = "principal"
)

// ErrSyncInProgress is returned when a run is already active.
var ErrSyncInProgress = fmt.Errorf("%w: sync already in progress", shared.ErrConflict)

// SyncResult summarises one run.
type SyncResult struct {
	ID                  string        `json:"id"`
	Type                SyncType      `json:"type"`
	Success             bool          `json:"success"`
	PrincipalsProcessed int           `json:"principals_processed"`
	Created             int           `json:"created"`
	Updated             int           `json:"updated"`
	Removed             int           `json:"removed"`
	Errors              []string      `json:"errors"`
	StartedAt           time.Time     `json:"started_at"`
	CompletedAt         time.Time     `json:"completed_at"`
	Duration            time.Duration `json:"duration"`
}

// PrincipalResult is the outcome of converging one principal.
type PrincipalResult struct {
	PrincipalID string `json:"principal_id"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Removed     int    `json:"removed"`
}

func (r *SyncResult) add(p PrincipalResult) {
	r.PrincipalsProcessed++
	r.Created += p.Created
	r.Updated += p.Updated
	r.Removed += p.Removed
}
