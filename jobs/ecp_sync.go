package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/ecpsync"
)

// EcpSyncer is the synchronizer surface the job drives.
type EcpSyncer interface {
	PerformFullSync(ctx context.Context) (ecpsync.SyncResult, error)
	PerformIncrementalSync(ctx context.Context) (ecpsync.SyncResult, error)
	SyncPrincipal(ctx context.Context, principalID string) (ecpsync.PrincipalResult, error)
}

// EcpSyncJob handles the ecp:sync:* tasks.
type EcpSyncJob struct {
	Sync   EcpSyncer
	Logger *slog.Logger
}

// NewEcpSyncJob wires dependencies for the sync handler.
func NewEcpSyncJob(sync EcpSyncer, logger *slog.Logger) *EcpSyncJob {
	return &EcpSyncJob{Sync: sync, Logger: logger}
}

// Handlers returns the task registrations for the worker.
func (j *EcpSyncJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskEcpSyncFull, Handler: j.Handle},
		{Type: TaskEcpSyncIncremental, Handler: j.Handle},
		{Type: TaskEcpSyncPrincipal, Handler: j.Handle},
	}
}

// Handle processes a sync task. A run that finds another in flight is
// dropped; a run that could not reach the source is retried.
func (j *EcpSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sync == nil {
		return errors.New("ecp sync: handler not configured")
	}
	var payload EcpSyncPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ecp sync: decode payload: %w", asynq.SkipRetry)
		}
	}
	logger := j.logger().With(slog.String("task", t.Type()))

	var (
		res ecpsync.SyncResult
		err error
	)
	switch t.Type() {
	case TaskEcpSyncFull:
		res, err = j.Sync.PerformFullSync(ctx)
	case TaskEcpSyncIncremental:
		res, err = j.Sync.PerformIncrementalSync(ctx)
	case TaskEcpSyncPrincipal:
		if strings.TrimSpace(payload.PrincipalID) == "" {
			return fmt.Errorf("ecp sync: principal_id required: %w", asynq.SkipRetry)
		}
		pr, perr := j.Sync.SyncPrincipal(ctx, payload.PrincipalID)
		if perr != nil {
			logger.Error("principal sync failed", slog.String("principal_id", payload.PrincipalID), slog.Any("error", perr))
			return perr
		}
		logger.Info("principal synced",
			slog.String("principal_id", pr.PrincipalID),
			slog.Int("created", pr.Created),
			slog.Int("updated", pr.Updated),
			slog.Int("removed", pr.Removed))
		return nil
	default:
		return fmt.Errorf("ecp sync: unexpected task %q: %w", t.Type(), asynq.SkipRetry)
	}

	if errors.Is(err, ecpsync.ErrSyncInProgress) {
		logger.Info("sync already running, dropping task")
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("ecp sync %s unsuccessful: %s", res.ID, strings.Join(res.Errors, "; "))
	}
	return nil
}

func (j *EcpSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
