// Package store defines the persistence boundaries of the engine: the
// metadata store (definitions), the execution store (runtime records) and
// the index store (search). Implementations must provide read-your-writes
// per workflow id.
package store

import (
	"context"
	"errors"

	"github.com/petrijr/maestro/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow instance is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTaskNotFound is returned when a task instance is not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDefinitionNotFound is returned when a workflow or task definition
	// is not registered.
	ErrDefinitionNotFound = errors.New("definition not found")
)

// MetadataStore holds workflow and task definitions. It is read-mostly and
// implementations may cache.
type MetadataStore interface {
	SaveWorkflowDef(def *api.WorkflowDef) error
	// GetWorkflowDef returns the definition for name+version.
	GetWorkflowDef(name string, version int) (*api.WorkflowDef, error)
	// GetLatestWorkflowDef returns the highest registered version of name.
	GetLatestWorkflowDef(name string) (*api.WorkflowDef, error)
	AllWorkflowDefs() ([]*api.WorkflowDef, error)

	SaveTaskDef(def *api.TaskDef) error
	GetTaskDef(name string) (*api.TaskDef, error)
}

// ExecutionStore holds the persisted runtime records: workflow instances,
// task instances, poll data and task execution logs.
type ExecutionStore interface {
	CreateWorkflow(ctx context.Context, w *api.Workflow) error
	UpdateWorkflow(ctx context.Context, w *api.Workflow) error
	// GetWorkflow loads a workflow; with includeTasks the task list is
	// attached in scheduling order.
	GetWorkflow(ctx context.Context, id string, includeTasks bool) (*api.Workflow, error)
	RemoveWorkflow(ctx context.Context, id string) error
	RunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error)
	WorkflowsByCorrelationID(ctx context.Context, correlationID string, includeTasks bool) ([]*api.Workflow, error)

	CreateTasks(ctx context.Context, tasks []*api.Task) error
	UpdateTask(ctx context.Context, t *api.Task) error
	GetTask(ctx context.Context, id string) (*api.Task, error)
	// TasksForType pages through tasks of a type, keyed by task id.
	TasksForType(ctx context.Context, taskType, startKey string, count int) ([]*api.Task, error)
	PendingTasksForType(ctx context.Context, taskType string) ([]*api.Task, error)
	// PendingTaskForWorkflow finds the non-executed task instance for a
	// reference name within a workflow.
	PendingTaskForWorkflow(ctx context.Context, refName, workflowID string) (*api.Task, error)
	// InProgressCount counts IN_PROGRESS instances of a task definition
	// across all workflows, for concurrency limiting.
	InProgressCount(ctx context.Context, taskDefName string) (int, error)

	UpdateLastPoll(ctx context.Context, d api.PollData) error
	PollData(ctx context.Context, taskType string) ([]api.PollData, error)

	AddTaskExecLogs(ctx context.Context, logs []api.TaskExecLog) error
	TaskExecLogs(ctx context.Context, taskID string) ([]api.TaskExecLog, error)
}

// IndexStore answers search queries with ids; callers hydrate the ids from
// the execution store and drop the ones that fail to load.
type IndexStore interface {
	IndexWorkflow(ctx context.Context, w *api.Workflow) error
	IndexTask(ctx context.Context, t *api.Task) error
	// SearchWorkflows matches query terms (field=value, AND-joined) and a
	// free-text fragment against indexed workflows.
	SearchWorkflows(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[string], error)
	SearchTasks(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[string], error)
}
