package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/ecpsync"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

type fakeSyncer struct {
	full        ecpsync.SyncResult
	fullErr     error
	incremental ecpsync.SyncResult
	principals  []string
}

func (f *fakeSyncer) PerformFullSync(context.Context) (ecpsync.SyncResult, error) {
	return f.full, f.fullErr
}

func (f *fakeSyncer) PerformIncrementalSync(context.Context) (ecpsync.SyncResult, error) {
	return f.incremental, nil
}

func (f *fakeSyncer) SyncPrincipal(_ context.Context, id string) (ecpsync.PrincipalResult, error) {
	f.principals = append(f.principals, id)
	return ecpsync.PrincipalResult{PrincipalID: id, Created: 1}, nil
}

func mustTask(t *testing.T, taskType string, payload EcpSyncPayload) *asynq.Task {
	t.Helper()
	task, err := NewEcpSyncTask(taskType, payload)
	require.NoError(t, err)
	return task
}

func TestNewEcpSyncTaskValidates(t *testing.T) {
	_, err := NewEcpSyncTask(TaskEcpSyncPrincipal, EcpSyncPayload{})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = NewEcpSyncTask("ecp:sync:unknown", EcpSyncPayload{})
	assert.ErrorIs(t, err, shared.ErrValidation)

	task := mustTask(t, TaskEcpSyncPrincipal, EcpSyncPayload{PrincipalID: "u1"})
	var payload EcpSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "u1", payload.PrincipalID)
	assert.False(t, payload.RequestedAt.IsZero())
}

func TestEcpSyncJobHandle(t *testing.T) {
	syncer := &fakeSyncer{
		full:        ecpsync.SyncResult{ID: "run-1", Success: true},
		incremental: ecpsync.SyncResult{ID: "run-2", Success: false, Errors: []string{"source unreachable"}},
	}
	job := NewEcpSyncJob(syncer, nil)
	ctx := context.Background()

	assert.NoError(t, job.Handle(ctx, mustTask(t, TaskEcpSyncFull, EcpSyncPayload{})))

	err := job.Handle(ctx, mustTask(t, TaskEcpSyncIncremental, EcpSyncPayload{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source unreachable")
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	assert.NoError(t, job.Handle(ctx, mustTask(t, TaskEcpSyncPrincipal, EcpSyncPayload{PrincipalID: "u7"})))
	assert.Equal(t, []string{"u7"}, syncer.principals)
}

func TestEcpSyncJobDropsOverlappingRun(t *testing.T) {
	job := NewEcpSyncJob(&fakeSyncer{fullErr: ecpsync.ErrSyncInProgress}, nil)
	assert.NoError(t, job.Handle(context.Background(), mustTask(t, TaskEcpSyncFull, EcpSyncPayload{})))
}

func TestEcpSyncJobRejectsBadPayload(t *testing.T) {
	job := NewEcpSyncJob(&fakeSyncer{}, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskEcpSyncPrincipal, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskEcpSyncPrincipal, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	var nilJob *EcpSyncJob
	assert.Error(t, nilJob.Handle(context.Background(), asynq.NewTask(TaskEcpSyncFull, nil)))
}

func TestEcpSyncJobHandlers(t *testing.T) {
	handlers := NewEcpSyncJob(&fakeSyncer{}, nil).Handlers()
	types := make([]string, 0, len(handlers))
	for _, h := range handlers {
		types = append(types, h.Type)
	}
	assert.ElementsMatch(t, []string{TaskEcpSyncFull, TaskEcpSyncIncremental, TaskEcpSyncPrincipal}, types)

	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Handlers: []TaskHandler{{Type: TaskEcpSyncFull}}})
	assert.Error(t, err)
}

func TestSyncCron(t *testing.T) {
	cron, err := SyncCron("0 2 * * *", "*/5 * * * *")
	require.NoError(t, err)
	require.Len(t, cron, 2)
	assert.Equal(t, TaskEcpSyncFull, cron[0].Task.Type())
	assert.Equal(t, TaskEcpSyncIncremental, cron[1].Task.Type())
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

type recordingEnqueuer struct {
	types    []string
	payloads []EcpSyncPayload
	err      error
}

func (e *recordingEnqueuer) EnqueueEcpSync(_ context.Context, taskType string, payload EcpSyncPayload) (*asynq.TaskInfo, error) {
	if _, err := NewEcpSyncTask(taskType, payload); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	e.types = append(e.types, taskType)
	e.payloads = append(e.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Type: taskType, Queue: QueueDefault}, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string, string, string) (bool, string) { return true, "" }

func serveJobs(t *testing.T, h *Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Use(rbac.LoadPrincipal)
	h.MountRoutes(r)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(shared.PrincipalHeader, "ops")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerHealth(t *testing.T) {
	guard := rbac.Middleware{Decider: allowAll{}}
	h := NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, nil, guard, nil)
	rec := serveJobs(t, h, http.MethodGet, "/jobs/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Pending)
	assert.Equal(t, 1, body.Retry)

	h = NewHandler(stubInspector{err: errors.New("redis down")}, nil, guard, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serveJobs(t, h, http.MethodGet, "/jobs/health").Code)
}

func TestHandlerEnqueuesSync(t *testing.T) {
	guard := rbac.Middleware{Decider: allowAll{}}
	enq := &recordingEnqueuer{}
	h := NewHandler(nil, enq, guard, nil)

	rec := serveJobs(t, h, http.MethodPost, "/jobs/sync/principals/u1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body enqueued
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, TaskEcpSyncPrincipal, body.Type)
	assert.Equal(t, "task-1", body.TaskID)
	require.Len(t, enq.payloads, 1)
	assert.Equal(t, "u1", enq.payloads[0].PrincipalID)
	assert.Equal(t, "ops", enq.payloads[0].RequestedBy)

	require.Equal(t, http.StatusAccepted, serveJobs(t, h, http.MethodPost, "/jobs/sync/full").Code)
	assert.Equal(t, []string{TaskEcpSyncPrincipal, TaskEcpSyncFull}, enq.types)

	enq.err = asynq.ErrDuplicateTask
	assert.Equal(t, http.StatusConflict, serveJobs(t, h, http.MethodPost, "/jobs/sync/incremental").Code)

	disabled := NewHandler(nil, nil, guard, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serveJobs(t, disabled, http.MethodPost, "/jobs/sync/full").Code)
}
