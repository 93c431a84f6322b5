package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/maestro/pkg/api"
)

func TestMemoryStore_DefinitionVersions(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.SaveWorkflowDef(&api.WorkflowDef{Name: "order", Version: 1}))
	require.NoError(t, s.SaveWorkflowDef(&api.WorkflowDef{Name: "order", Version: 3}))
	require.NoError(t, s.SaveWorkflowDef(&api.WorkflowDef{Name: "order", Version: 2}))

	def, err := s.GetWorkflowDef("order", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)

	latest, err := s.GetLatestWorkflowDef("order")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	_, err = s.GetWorkflowDef("order", 9)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = s.GetLatestWorkflowDef("ghost")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = s.GetTaskDef("ghost")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestMemoryStore_WorkflowRoundTripKeepsTaskOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &api.Workflow{
		ID:     "wf-1",
		Name:   "order",
		Status: api.WorkflowRunning,
		Tasks: []*api.Task{
			{ID: "t-1", WorkflowID: "wf-1", ReferenceName: "A", Status: api.TaskCompleted},
			{ID: "t-2", WorkflowID: "wf-1", ReferenceName: "B", Status: api.TaskScheduled},
		},
	}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	got, err := s.GetWorkflow(ctx, "wf-1", true)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "t-1", got.Tasks[0].ID)
	assert.Equal(t, "t-2", got.Tasks[1].ID)

	// Reads are isolated: mutating the returned copy does not leak back.
	got.Tasks[0].Status = api.TaskFailed
	again, err := s.GetWorkflow(ctx, "wf-1", true)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompleted, again.Tasks[0].Status)

	without, err := s.GetWorkflow(ctx, "wf-1", false)
	require.NoError(t, err)
	assert.Empty(t, without.Tasks)

	_, err = s.GetWorkflow(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestMemoryStore_RunningWorkflowIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{ID: "wf-1", Name: "order", Status: api.WorkflowRunning}))
	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{ID: "wf-2", Name: "order", Status: api.WorkflowCompleted}))
	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{ID: "wf-3", Name: "other", Status: api.WorkflowRunning}))

	ids, err := s.RunningWorkflowIDs(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, ids)
}

func TestMemoryStore_PendingTaskLookups(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTasks(ctx, []*api.Task{
		{ID: "t-1", WorkflowID: "wf-1", ReferenceName: "A", DefName: "encode", Type: "encode", Status: api.TaskInProgress},
		{ID: "t-2", WorkflowID: "wf-1", ReferenceName: "A", DefName: "encode", Type: "encode", Status: api.TaskCompleted},
		{ID: "t-3", WorkflowID: "wf-2", ReferenceName: "B", DefName: "encode", Type: "encode", Status: api.TaskInProgress},
	}))

	pending, err := s.PendingTasksForType(ctx, "encode")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := s.InProgressCount(ctx, "encode")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := s.PendingTaskForWorkflow(ctx, "A", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", task.ID)

	_, err = s.PendingTaskForWorkflow(ctx, "Z", "wf-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryStore_TasksForTypePagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTasks(ctx, []*api.Task{
		{ID: "t-1", WorkflowID: "wf-1", Type: "encode", Status: api.TaskCompleted},
		{ID: "t-2", WorkflowID: "wf-1", Type: "encode", Status: api.TaskCompleted},
		{ID: "t-3", WorkflowID: "wf-1", Type: "encode", Status: api.TaskCompleted},
	}))

	page, err := s.TasksForType(ctx, "encode", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t-1", page[0].ID)

	page, err = s.TasksForType(ctx, "encode", "t-2", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t-3", page[0].ID)
}

func TestMemoryStore_PollDataAndLogs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpdateLastPoll(ctx, api.PollData{QueueName: "encode", WorkerID: "w1", LastPollTime: 10}))
	require.NoError(t, s.UpdateLastPoll(ctx, api.PollData{QueueName: "encode", WorkerID: "w1", LastPollTime: 20}))
	require.NoError(t, s.UpdateLastPoll(ctx, api.PollData{QueueName: "encode", Domain: "eu", WorkerID: "w2", LastPollTime: 30}))

	data, err := s.PollData(ctx, "encode")
	require.NoError(t, err)
	require.Len(t, data, 2)

	require.NoError(t, s.AddTaskExecLogs(ctx, []api.TaskExecLog{
		{TaskID: "t-1", Log: "first", CreatedTime: 1},
		{TaskID: "t-1", Log: "second", CreatedTime: 2},
	}))
	logs, err := s.TaskExecLogs(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Log)
}

func TestMemoryStore_SearchWorkflows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{
		ID: "wf-1", Name: "order", Status: api.WorkflowRunning, CorrelationID: "corr-1", UpdateTime: 10,
	}))
	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{
		ID: "wf-2", Name: "order", Status: api.WorkflowCompleted, UpdateTime: 20,
	}))
	require.NoError(t, s.CreateWorkflow(ctx, &api.Workflow{
		ID: "wf-3", Name: "billing", Status: api.WorkflowRunning, UpdateTime: 30,
	}))

	result, err := s.SearchWorkflows(ctx, "workflowType=order", "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalHits)
	// Most recently updated first.
	assert.Equal(t, []string{"wf-2", "wf-1"}, result.Results)

	result, err = s.SearchWorkflows(ctx, "workflowType=order AND status=RUNNING", "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, result.Results)

	result, err = s.SearchWorkflows(ctx, "", "corr-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, result.Results)

	// Paging past the result set yields an empty page with the same total.
	result, err = s.SearchWorkflows(ctx, "workflowType=order", "", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalHits)
	assert.Empty(t, result.Results)

	_, err = s.SearchWorkflows(ctx, "garbage query", "", 0, 10)
	assert.Error(t, err)
}
