package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEcpSyncFull reconciles every principal against the external source.
	TaskEcpSyncFull = "ecp:sync:full"
	// TaskEcpSyncIncremental reconciles principals changed since the last successful run.
	TaskEcpSyncIncremental = "ecp:sync:incremental"
	// TaskEcpSyncPrincipal reconciles a single principal.
	TaskEcpSyncPrincipal = "ecp:sync:principal"
)

// EcpSyncPayload carries the principal for single-principal syncs.
type EcpSyncPayload struct {
	PrincipalID string    `json:"principal_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// NewEcpSyncTask constructs a sync task for the given task type.
func NewEcpSyncTask(taskType string, payload EcpSyncPayload) (*asynq.Task, error) {
	switch taskType {
	case TaskEcpSyncFull, TaskEcpSyncIncremental:
	case TaskEcpSyncPrincipal:
		if strings.TrimSpace(payload.PrincipalID) == "" {
			return nil, shared.Validationf("%s requires principal_id", taskType)
		}
	default:
		return nil, shared.Validationf("unknown sync task %q", taskType)
	}
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(3)}
	if taskType != TaskEcpSyncPrincipal {
		// Collapse duplicate triggers while one is queued.
		opts = append(opts, asynq.Unique(time.Minute))
	}
	return asynq.NewTask(taskType, body, opts...), nil
}
