package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/jobs"
	_ "github.com/odyssey-erp/odyssey-authz/testing"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, nil }

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s stubInspector) Close() error { return nil }

func TestSyncCommandJSON(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := c.SyncCommand(context.Background(), SyncOptions{Kind: "full", JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, 0, code, stderr.String())
	var summary SyncSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, jobs.TaskEcpSyncFull, summary.Type)
	assert.Equal(t, "task-1", summary.TaskID)
	require.Len(t, enq.tasks, 1)
}

func TestSyncCommandValidation(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}
	stderr := new(bytes.Buffer)

	assert.Equal(t, 1, c.SyncCommand(context.Background(), SyncOptions{Kind: "principal", Stdout: new(bytes.Buffer), Stderr: stderr}))
	assert.Contains(t, stderr.String(), "--principal")

	stderr.Reset()
	assert.Equal(t, 1, c.SyncCommand(context.Background(), SyncOptions{Kind: "weekly", Stdout: new(bytes.Buffer), Stderr: stderr}))
	assert.Contains(t, stderr.String(), "unsupported job")
	assert.Empty(t, enq.tasks)

	enq.err = errors.New("redis down")
	stderr.Reset()
	assert.Equal(t, 1, c.SyncCommand(context.Background(), SyncOptions{Kind: "incremental", Stdout: new(bytes.Buffer), Stderr: stderr}))
	assert.Contains(t, stderr.String(), "redis down")
}

func TestSyncCommandPrincipal(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}
	stdout := new(bytes.Buffer)

	code := c.SyncCommand(context.Background(), SyncOptions{Kind: "principal", PrincipalID: "u1", RequestedBy: "ops", Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), jobs.TaskEcpSyncPrincipal)
	var payload jobs.EcpSyncPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "u1", payload.PrincipalID)
	assert.Equal(t, "ops", payload.RequestedBy)
}

func TestParseSyncArgs(t *testing.T) {
	opts, err := ParseSyncArgs([]string{"--type=principal", "--principal", "u9", "--json"}, new(bytes.Buffer))
	require.NoError(t, err)
	assert.Equal(t, "principal", opts.Kind)
	assert.Equal(t, "u9", opts.PrincipalID)
	assert.True(t, opts.JSONOutput)

	_, err = ParseSyncArgs([]string{"--nope"}, new(bytes.Buffer))
	assert.Error(t, err)
}

func TestQueueCommand(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{
		info:      &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 2, Scheduled: 1},
		scheduled: []*asynq.TaskInfo{{ID: "s1", Type: jobs.TaskEcpSyncFull, NextProcessAt: time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)}},
	}}
	stdout := new(bytes.Buffer)
	require.Equal(t, 0, c.QueueCommand(context.Background(), false, stdout, new(bytes.Buffer)))
	assert.Contains(t, stdout.String(), "2 pending")
	assert.Contains(t, stdout.String(), "s1 ecp:sync:full at 2026-01-02T02:00:00Z")

	assert.Equal(t, 1, (&JobsCLI{}).QueueCommand(context.Background(), true, new(bytes.Buffer), new(bytes.Buffer)))
}
