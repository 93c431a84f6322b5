package decider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/maestro/internal/config"
	"github.com/petrijr/maestro/internal/idgen"
	"github.com/petrijr/maestro/internal/params"
	"github.com/petrijr/maestro/internal/payload"
	"github.com/petrijr/maestro/internal/queue"
	"github.com/petrijr/maestro/internal/store"
	"github.com/petrijr/maestro/pkg/api"
)

// testNow is frozen at a fixed instant so decide outcomes are
// reproducible.
var testNow = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	decider *Decider
	store   *store.MemoryStore
	queue   *queue.MemoryQueue
	ids     *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ms := store.NewMemoryStore()
	q := queue.NewMemoryQueue(0)
	gw := payload.NewGateway(payload.NewMemoryStorage(), config.New(), nil)

	counter := 0
	ids := idgen.Func(func() string {
		counter++
		return fmt.Sprintf("task-%d", counter)
	})

	d := New(ms, q, params.New(), NewMapperRegistry(), gw,
		WithIDGenerator(ids),
		WithClock(func() time.Time { return testNow }),
	)
	return &fixture{decider: d, store: ms, queue: q, ids: &counter}
}

func linearDef() *api.WorkflowDef {
	return &api.WorkflowDef{
		Name:    "linear",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{Name: "taskA", ReferenceName: "A"},
			{Name: "taskB", ReferenceName: "B"},
		},
	}
}

func runningWorkflow(def *api.WorkflowDef) *api.Workflow {
	return &api.Workflow{
		ID:      "wf-1",
		Name:    def.Name,
		Version: def.Version,
		Status:  api.WorkflowRunning,
		Input:   map[string]any{},
	}
}

// S1: linear happy path A -> B -> complete.
func TestDecide_LinearHappyPath(t *testing.T) {
	f := newFixture(t)
	def := linearDef()
	require.NoError(t, f.store.SaveWorkflowDef(def))
	ctx := context.Background()

	w := runningWorkflow(def)

	out, err := f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	a := out.TasksToBeScheduled[0]
	assert.Equal(t, "A", a.ReferenceName)
	assert.Equal(t, api.TaskScheduled, a.Status)
	assert.False(t, out.IsComplete)

	w.Tasks = append(w.Tasks, a)
	a.Status = api.TaskCompleted

	out, err = f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	b := out.TasksToBeScheduled[0]
	assert.Equal(t, "B", b.ReferenceName)
	assert.True(t, a.Executed)
	assert.Contains(t, out.TasksToBeUpdated, a)

	w.Tasks = append(w.Tasks, b)
	b.Status = api.TaskCompleted

	out, err = f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	assert.Empty(t, out.TasksToBeScheduled)
	assert.True(t, out.IsComplete)
}

// S2: exponential backoff retries, then termination when attempts run out.
func TestDecide_RetryWithBackoffThenTerminate(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "retrying",
		Version: 1,
		Tasks:   []api.WorkflowTask{{Name: "taskA", ReferenceName: "A"}},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))
	require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{
		Name:              "taskA",
		RetryCount:        2,
		RetryLogic:        api.RetryExponentialBackoff,
		RetryDelaySeconds: 5,
	}))
	ctx := context.Background()

	w := runningWorkflow(def)
	failed := &api.Task{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskFailed,
		WorkflowTask:  &def.Tasks[0],
	}
	w.Tasks = []*api.Task{failed}

	out, err := f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	retry1 := out.TasksToBeScheduled[0]
	assert.Equal(t, int64(5), retry1.StartDelaySeconds)
	assert.Equal(t, 1, retry1.RetryCount)
	assert.Equal(t, "t-0", retry1.RetriedTaskID)
	assert.Equal(t, api.TaskScheduled, retry1.Status)
	assert.True(t, failed.Retried)
	assert.Contains(t, out.TasksToBeUpdated, failed)

	w.Tasks = append(w.Tasks, retry1)
	retry1.Status = api.TaskFailed

	out, err = f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	retry2 := out.TasksToBeScheduled[0]
	assert.Equal(t, int64(10), retry2.StartDelaySeconds)
	assert.Equal(t, 2, retry2.RetryCount)
	assert.Equal(t, retry1.ID, retry2.RetriedTaskID)

	w.Tasks = append(w.Tasks, retry2)
	retry2.Status = api.TaskFailed

	_, err = f.decider.Decide(ctx, w, def)
	terminate, ok := api.AsTerminateWorkflow(err)
	require.True(t, ok, "expected a workflow termination, got %v", err)
	assert.Equal(t, api.WorkflowFailed, terminate.Status)
}

// Exhausted retries of a timed-out task terminate the workflow TIMED_OUT.
func TestDecide_ExhaustedRetriesCarryTimedOutStatus(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "retrying",
		Version: 1,
		Tasks:   []api.WorkflowTask{{Name: "taskA", ReferenceName: "A"}},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))
	require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{Name: "taskA", RetryCount: 0}))

	w := runningWorkflow(def)
	w.Tasks = []*api.Task{{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskTimedOut,
		WorkflowTask:  &def.Tasks[0],
	}}

	_, err := f.decider.Decide(context.Background(), w, def)
	terminate, ok := api.AsTerminateWorkflow(err)
	require.True(t, ok)
	assert.Equal(t, api.WorkflowTimedOut, terminate.Status)
}

// S3: an optional task's failure becomes COMPLETED_WITH_ERRORS and the flow
// continues.
func TestDecide_OptionalTaskFailure(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "optional",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{Name: "taskA", ReferenceName: "A", Optional: true},
			{Name: "taskB", ReferenceName: "B"},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	failed := &api.Task{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskFailed,
		WorkflowTask:  &def.Tasks[0],
	}
	w.Tasks = []*api.Task{failed}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompletedWithErrors, failed.Status)
	assert.True(t, failed.Executed)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, "B", out.TasksToBeScheduled[0].ReferenceName)
}

// S4: response timeout is suppressed while the task sits in its queue.
func TestDecide_ResponseTimeoutSuppressedByQueuePresence(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "rt",
		Version: 1,
		Tasks:   []api.WorkflowTask{{Name: "taskA", ReferenceName: "A"}},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))
	require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{
		Name:                   "taskA",
		RetryCount:             1,
		ResponseTimeoutSeconds: 1,
	}))
	ctx := context.Background()

	inProgress := func() *api.Task {
		return &api.Task{
			ID:            "t-0",
			WorkflowID:    "wf-1",
			ReferenceName: "A",
			DefName:       "taskA",
			Type:          "taskA",
			Status:        api.TaskInProgress,
			UpdateTime:    testNow.UnixMilli() - 5_000,
			WorkflowTask:  &def.Tasks[0],
		}
	}

	// Present in the queue: no timeout regardless of elapsed time.
	w := runningWorkflow(def)
	task := inProgress()
	w.Tasks = []*api.Task{task}
	require.NoError(t, f.queue.Push(ctx, "taskA", task.ID, 0))

	out, err := f.decider.Decide(ctx, w, def)
	require.NoError(t, err)
	assert.Equal(t, api.TaskInProgress, task.Status)
	assert.Empty(t, out.TasksToBeScheduled)

	// Absent from the queue: the same task times out and is retried.
	require.NoError(t, f.queue.Remove(ctx, "taskA", task.ID))
	w2 := runningWorkflow(def)
	task2 := inProgress()
	w2.Tasks = []*api.Task{task2}

	out, err = f.decider.Decide(ctx, w2, def)
	require.NoError(t, err)
	assert.Equal(t, api.TaskTimedOut, task2.Status)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, 1, out.TasksToBeScheduled[0].RetryCount)
}

// Execution timeout policies: ALERT_ONLY leaves state alone, TIME_OUT_WF
// terminates the workflow.
func TestDecide_ExecutionTimeoutPolicies(t *testing.T) {
	ctx := context.Background()
	def := &api.WorkflowDef{
		Name:    "to",
		Version: 1,
		Tasks:   []api.WorkflowTask{{Name: "taskA", ReferenceName: "A"}},
	}

	longRunning := func() *api.Task {
		return &api.Task{
			ID:            "t-0",
			WorkflowID:    "wf-1",
			ReferenceName: "A",
			DefName:       "taskA",
			Type:          "taskA",
			Status:        api.TaskInProgress,
			StartTime:     testNow.UnixMilli() - 20_000,
			UpdateTime:    testNow.UnixMilli(),
			WorkflowTask:  &def.Tasks[0],
		}
	}

	t.Run("alert only", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SaveWorkflowDef(def))
		require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{
			Name:           "taskA",
			RetryCount:     1,
			TimeoutSeconds: 10,
			TimeoutPolicy:  api.TimeoutAlertOnly,
		}))

		w := runningWorkflow(def)
		task := longRunning()
		w.Tasks = []*api.Task{task}

		_, err := f.decider.Decide(ctx, w, def)
		require.NoError(t, err)
		assert.Equal(t, api.TaskInProgress, task.Status)
	})

	t.Run("time out workflow", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SaveWorkflowDef(def))
		require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{
			Name:           "taskA",
			RetryCount:     1,
			TimeoutSeconds: 10,
			TimeoutPolicy:  api.TimeoutTimeOutWF,
		}))

		w := runningWorkflow(def)
		task := longRunning()
		w.Tasks = []*api.Task{task}

		_, err := f.decider.Decide(ctx, w, def)
		terminate, ok := api.AsTerminateWorkflow(err)
		require.True(t, ok)
		assert.Equal(t, api.WorkflowTimedOut, terminate.Status)
		assert.Equal(t, api.TaskTimedOut, task.Status)
	})
}

// S5: a decision that already produced its children yields no successors
// and no duplicate branch tasks.
func TestDecide_DecisionWithChildrenIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "deciding",
		Version: 1,
		Tasks: []api.WorkflowTask{
			{
				Name:           "decide_path",
				ReferenceName:  "D",
				Type:           api.TaskTypeDecision,
				CaseValueParam: "case",
				DecisionCases: map[string][]api.WorkflowTask{
					"x": {{Name: "taskC", ReferenceName: "C"}},
				},
			},
		},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	decision := &api.Task{
		ID:            "t-d",
		WorkflowID:    w.ID,
		ReferenceName: "D",
		DefName:       "decide_path",
		Type:          api.TaskTypeDecision,
		Status:        api.TaskCompleted,
		Input:         map[string]any{"case": "x", "hasChildren": true},
		WorkflowTask:  &def.Tasks[0],
	}
	branch := &api.Task{
		ID:            "t-c",
		WorkflowID:    w.ID,
		ReferenceName: "C",
		DefName:       "taskC",
		Type:          "taskC",
		Status:        api.TaskScheduled,
	}
	w.Tasks = []*api.Task{decision, branch}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	assert.Empty(t, out.TasksToBeScheduled)
	assert.True(t, decision.Executed)
}

// S6: a workflow marked for re-run resumes from its READY_FOR_RERUN task.
func TestDecide_RerunFromReadyTask(t *testing.T) {
	f := newFixture(t)
	def := linearDef()
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.ReRunFromWorkflowID = "wf-0"
	rerun := &api.Task{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskReadyForRerun,
		RetryCount:    3,
	}
	w.Tasks = []*api.Task{rerun}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	got := out.TasksToBeScheduled[0]
	assert.Same(t, rerun, got)
	assert.Equal(t, api.TaskScheduled, got.Status)
	assert.True(t, got.Retried)
	assert.Equal(t, 0, got.RetryCount)
}

// A re-run marker without a READY_FOR_RERUN task terminates the workflow.
func TestDecide_RerunWithoutReadyTaskTerminates(t *testing.T) {
	f := newFixture(t)
	def := linearDef()
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	w.ReRunFromWorkflowID = "wf-0"
	w.Tasks = []*api.Task{{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskSkipped,
	}}

	_, err := f.decider.Decide(context.Background(), w, def)
	_, ok := api.AsTerminateWorkflow(err)
	require.True(t, ok)
}

// An empty definition terminates immediately with COMPLETED.
func TestDecide_EmptyDefinitionCompletes(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{Name: "empty", Version: 1}
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	_, err := f.decider.Decide(context.Background(), w, def)
	terminate, ok := api.AsTerminateWorkflow(err)
	require.True(t, ok)
	assert.Equal(t, api.WorkflowCompleted, terminate.Status)
}

// Paused and terminal workflows produce empty outcomes.
func TestDecide_PausedAndTerminalWorkflowsAreInert(t *testing.T) {
	f := newFixture(t)
	def := linearDef()
	require.NoError(t, f.store.SaveWorkflowDef(def))
	ctx := context.Background()

	paused := runningWorkflow(def)
	paused.Status = api.WorkflowPaused
	paused.Tasks = []*api.Task{{ID: "t-0", ReferenceName: "A", DefName: "taskA", Type: "taskA", Status: api.TaskCompleted}}

	out, err := f.decider.Decide(ctx, paused, def)
	require.NoError(t, err)
	assert.Empty(t, out.TasksToBeScheduled)
	assert.Empty(t, out.TasksToBeUpdated)

	finished := runningWorkflow(def)
	finished.Status = api.WorkflowCompleted
	finished.Tasks = paused.Tasks

	out, err = f.decider.Decide(ctx, finished, def)
	require.NoError(t, err)
	assert.Empty(t, out.TasksToBeScheduled)
	assert.False(t, out.IsComplete)
}

// Purity: two decide calls over identical snapshots produce equal outcomes.
func TestDecide_PureOverEqualSnapshots(t *testing.T) {
	def := linearDef()
	ctx := context.Background()

	run := func() (*Outcome, error) {
		f := newFixture(t)
		require.NoError(t, f.store.SaveWorkflowDef(def))
		w := runningWorkflow(def)
		w.Tasks = []*api.Task{{
			ID:            "t-0",
			WorkflowID:    w.ID,
			ReferenceName: "A",
			DefName:       "taskA",
			Type:          "taskA",
			Status:        api.TaskCompleted,
			WorkflowTask:  &def.Tasks[0],
		}}
		return f.decider.Decide(ctx, w, def)
	}

	out1, err1 := run()
	out2, err2 := run()
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, out1, out2)
}

// Monotonicity: an executed task never reappears in the outcome.
func TestDecide_ExecutedTasksAreNeverRevisited(t *testing.T) {
	f := newFixture(t)
	def := linearDef()
	require.NoError(t, f.store.SaveWorkflowDef(def))

	w := runningWorkflow(def)
	executed := &api.Task{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskCompleted,
		Executed:      true,
	}
	pending := &api.Task{
		ID:            "t-1",
		WorkflowID:    w.ID,
		ReferenceName: "B",
		DefName:       "taskB",
		Type:          "taskB",
		Status:        api.TaskScheduled,
	}
	w.Tasks = []*api.Task{executed, pending}

	out, err := f.decider.Decide(context.Background(), w, def)
	require.NoError(t, err)
	assert.NotContains(t, out.TasksToBeScheduled, executed)
	assert.NotContains(t, out.TasksToBeUpdated, executed)
}

// Retry chain: every retried task has exactly one successor pointing back
// at it with an incremented retry count.
func TestDecide_RetryChainShape(t *testing.T) {
	f := newFixture(t)
	def := &api.WorkflowDef{
		Name:    "chain",
		Version: 1,
		Tasks:   []api.WorkflowTask{{Name: "taskA", ReferenceName: "A"}},
	}
	require.NoError(t, f.store.SaveWorkflowDef(def))
	require.NoError(t, f.store.SaveTaskDef(&api.TaskDef{Name: "taskA", RetryCount: 3, RetryDelaySeconds: 1}))
	ctx := context.Background()

	w := runningWorkflow(def)
	w.Tasks = []*api.Task{{
		ID:            "t-0",
		WorkflowID:    w.ID,
		ReferenceName: "A",
		DefName:       "taskA",
		Type:          "taskA",
		Status:        api.TaskFailed,
		WorkflowTask:  &def.Tasks[0],
	}}

	for i := 0; i < 3; i++ {
		out, err := f.decider.Decide(ctx, w, def)
		require.NoError(t, err)
		require.Len(t, out.TasksToBeScheduled, 1)
		next := out.TasksToBeScheduled[0]
		w.Tasks = append(w.Tasks, next)
		next.Status = api.TaskFailed
	}

	successors := make(map[string][]*api.Task)
	for _, task := range w.Tasks {
		if task.RetriedTaskID != "" {
			successors[task.RetriedTaskID] = append(successors[task.RetriedTaskID], task)
		}
	}
	for _, task := range w.Tasks {
		if !task.Retried {
			continue
		}
		chain := successors[task.ID]
		require.Len(t, chain, 1, "retried task %s must have exactly one successor", task.ID)
		assert.Equal(t, task.RetryCount+1, chain[0].RetryCount)
	}
}
