// Package engine coordinates the decider with the stores and the queues.
// The Executor is the single writer of workflow and task state; the
// ExecutionService is the worker-facing surface on top of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/maestro/internal/decider"
	"github.com/petrijr/maestro/internal/idgen"
	"github.com/petrijr/maestro/internal/payload"
	"github.com/petrijr/maestro/internal/queue"
	"github.com/petrijr/maestro/internal/store"
	"github.com/petrijr/maestro/pkg/api"
)

// maxDecidePasses bounds the decide loop for a single trigger; each pass
// only repeats when a built-in task transitioned, so the bound is the depth
// of chained control-flow tasks.
const maxDecidePasses = 25

// Executor drives workflows: it runs the decider on a workflow snapshot and
// persists the outcome. Decisions for the same workflow id are serialized
// on a per-id mutex.
type Executor struct {
	metadata  store.MetadataStore
	execution store.ExecutionStore
	index     store.IndexStore
	queues    queue.Queue
	decider   *decider.Decider
	gateway   *payload.Gateway
	ids       idgen.Generator
	observer  api.Observer
	logger    *slog.Logger
	clock     func() time.Time

	locks sync.Map // workflow id -> *sync.Mutex
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorObserver sets the lifecycle observer.
func WithExecutorObserver(o api.Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorIDGenerator overrides the id source.
func WithExecutorIDGenerator(g idgen.Generator) ExecutorOption {
	return func(e *Executor) { e.ids = g }
}

// WithExecutorClock overrides the time source.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// NewExecutor constructs an Executor.
func NewExecutor(metadata store.MetadataStore, execution store.ExecutionStore, index store.IndexStore,
	queues queue.Queue, d *decider.Decider, gateway *payload.Gateway, opts ...ExecutorOption) *Executor {

	e := &Executor{
		metadata:  metadata,
		execution: execution,
		index:     index,
		queues:    queues,
		decider:   d,
		gateway:   gateway,
		ids:       idgen.UUID{},
		observer:  api.NoopObserver{},
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) lock(workflowID string) func() {
	mu, _ := e.locks.LoadOrStore(workflowID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (e *Executor) now() int64 { return e.clock().UnixMilli() }

// StartWorkflow creates a workflow instance and runs the first decide pass.
// A non-positive version selects the latest registered definition.
func (e *Executor) StartWorkflow(ctx context.Context, name string, version int, input map[string]any, correlationID string) (string, error) {
	var def *api.WorkflowDef
	var err error
	if version > 0 {
		def, err = e.metadata.GetWorkflowDef(name, version)
	} else {
		def, err = e.metadata.GetLatestWorkflowDef(name)
	}
	if errors.Is(err, store.ErrDefinitionNotFound) {
		return "", api.NewNotFoundError("workflow definition not found: %s", name)
	}
	if err != nil {
		return "", err
	}

	now := e.now()
	w := &api.Workflow{
		ID:            e.ids.Generate(),
		Name:          def.Name,
		Version:       def.Version,
		Status:        api.WorkflowRunning,
		CorrelationID: correlationID,
		Input:         input,
		SchemaVersion: def.SchemaVersion,
		CreateTime:    now,
		UpdateTime:    now,
	}
	if err := e.gateway.VerifyAndUploadWorkflow(ctx, w, api.PayloadWorkflowInput); err != nil {
		return "", err
	}
	if err := e.execution.CreateWorkflow(ctx, w); err != nil {
		return "", err
	}
	_ = e.index.IndexWorkflow(ctx, w)
	e.observer.OnWorkflowStart(ctx, w)

	if err := e.Decide(ctx, w.ID); err != nil {
		return w.ID, err
	}
	return w.ID, nil
}

// Decide loads the workflow, runs the decider and persists the outcome.
// Built-in tasks that transitioned during the pass trigger another pass, so
// a completed decision or join immediately unblocks its successors.
func (e *Executor) Decide(ctx context.Context, workflowID string) error {
	unlock := e.lock(workflowID)
	defer unlock()

	for pass := 0; pass < maxDecidePasses; pass++ {
		again, err := e.decideOnce(ctx, workflowID)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
	return api.NewInternalError(fmt.Sprintf("decide loop did not settle for workflow %s", workflowID), nil)
}

func (e *Executor) decideOnce(ctx context.Context, workflowID string) (bool, error) {
	w, err := e.execution.GetWorkflow(ctx, workflowID, true)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		return false, api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	if err != nil {
		return false, err
	}
	if w.Status.IsTerminal() {
		return false, nil
	}

	def, err := e.metadata.GetWorkflowDef(w.Name, w.Version)
	if errors.Is(err, store.ErrDefinitionNotFound) {
		return false, api.NewNotFoundError("workflow definition not found: %s/%d", w.Name, w.Version)
	}
	if err != nil {
		return false, err
	}

	outcome, err := e.decider.Decide(ctx, w, def)
	if err != nil {
		if terminate, ok := api.AsTerminateWorkflow(err); ok {
			return false, e.finalize(ctx, w, terminate.Status, terminate.Reason, terminate.Task)
		}
		return false, err
	}

	scheduled, err := e.scheduleTasks(ctx, w, outcome.TasksToBeScheduled)
	if err != nil {
		return false, err
	}

	for _, t := range outcome.TasksToBeUpdated {
		t.UpdateTime = e.now()
		if t.Status.IsTerminal() {
			if t.EndTime == 0 {
				t.EndTime = t.UpdateTime
			}
			if err := e.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
				return false, err
			}
		}
	}

	w.UpdateTime = e.now()
	if err := e.execution.UpdateWorkflow(ctx, w); err != nil {
		return false, err
	}
	_ = e.index.IndexWorkflow(ctx, w)

	if outcome.IsComplete {
		return false, e.complete(ctx, w)
	}

	// A paused workflow keeps its control-flow markers frozen too.
	if w.Status != api.WorkflowRunning {
		return false, nil
	}

	progressed, err := e.progressBuiltInTasks(ctx, w)
	if err != nil {
		return false, err
	}
	return progressed || scheduled, nil
}

// scheduleTasks persists newly mapped tasks and enqueues the pollable ones.
// Tasks already present in the store (re-emitted built-ins) are left alone.
// Reports whether a built-in task entered the workflow, which warrants
// another decide pass.
func (e *Executor) scheduleTasks(ctx context.Context, w *api.Workflow, tasks []*api.Task) (bool, error) {
	builtinAdded := false
	for _, t := range tasks {
		if _, err := e.execution.GetTask(ctx, t.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrTaskNotFound) {
			return false, err
		}

		if err := e.execution.CreateTasks(ctx, []*api.Task{t}); err != nil {
			return false, err
		}
		w.Tasks = append(w.Tasks, t)
		_ = e.index.IndexTask(ctx, t)
		e.observer.OnTaskScheduled(ctx, t)

		if t.Type.IsBuiltIn() {
			builtinAdded = true
			continue
		}
		// Worker-executed and externally integrated tasks go on their
		// queues; WAIT parks until an external update.
		if t.Type == api.TaskTypeWait {
			continue
		}
		if t.Status == api.TaskScheduled {
			delay := time.Duration(t.StartDelaySeconds) * time.Second
			if _, err := e.queues.PushIfNotExists(ctx, queue.NameOf(t), t.ID, delay); err != nil {
				return false, err
			}
		}
	}
	return builtinAdded, nil
}

// progressBuiltInTasks advances control-flow markers the decider only
// schedules: decisions complete immediately (their children were mapped
// with them), joins complete once every joined reference is terminal.
func (e *Executor) progressBuiltInTasks(ctx context.Context, w *api.Workflow) (bool, error) {
	progressed := false
	for _, t := range w.Tasks {
		if t.Executed || t.Status.IsTerminal() {
			continue
		}
		changed := false
		switch t.Type {
		case api.TaskTypeDecision:
			t.Status = api.TaskCompleted
			t.EndTime = e.now()
			t.UpdateTime = t.EndTime
			changed = true
		case api.TaskTypeJoin:
			done, failed, reason := e.joinState(w, t)
			if !done {
				continue
			}
			if failed {
				t.Status = api.TaskFailed
				t.ReasonForIncompletion = reason
			} else {
				t.Status = api.TaskCompleted
				t.Output = joinOutput(w, t)
			}
			t.EndTime = e.now()
			t.UpdateTime = t.EndTime
			changed = true
		}
		if changed {
			progressed = true
			if err := e.execution.UpdateTask(ctx, t); err != nil {
				return false, err
			}
		}
	}
	if progressed {
		w.UpdateTime = e.now()
		if err := e.execution.UpdateWorkflow(ctx, w); err != nil {
			return false, err
		}
	}
	return progressed, nil
}

// joinState inspects the joined references: done once every one is
// terminal, failed when any ended non-successfully.
func (e *Executor) joinState(w *api.Workflow, join *api.Task) (done, failed bool, reason string) {
	refs := joinOnRefs(join)
	for _, ref := range refs {
		t := latestTask(w, ref)
		if t == nil || !t.Status.IsTerminal() {
			return false, false, ""
		}
		if !t.Status.IsSuccessful() {
			failed = true
			reason = fmt.Sprintf("joined task %s ended with status %s", ref, t.Status)
		}
	}
	return true, failed, reason
}

func joinOnRefs(join *api.Task) []string {
	raw, ok := join.Input["joinOn"]
	if !ok {
		return nil
	}
	switch refs := raw.(type) {
	case []string:
		return refs
	case []any:
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func joinOutput(w *api.Workflow, join *api.Task) map[string]any {
	out := make(map[string]any)
	for _, ref := range joinOnRefs(join) {
		if t := latestTask(w, ref); t != nil {
			out[ref] = t.Output
		}
	}
	return out
}

// latestTask returns the most recent instance of ref, executed or not; the
// decider marks a finished branch task executed before the join is examined.
func latestTask(w *api.Workflow, ref string) *api.Task {
	var found *api.Task
	for _, t := range w.Tasks {
		if t.ReferenceName == ref {
			found = t
		}
	}
	return found
}

// complete finalizes a workflow whose decide pass reported completion.
func (e *Executor) complete(ctx context.Context, w *api.Workflow) error {
	if err := e.decider.UpdateWorkflowOutput(ctx, w, nil); err != nil {
		return err
	}
	w.Status = api.WorkflowCompleted
	w.EndTime = e.now()
	w.UpdateTime = w.EndTime
	if err := e.execution.UpdateWorkflow(ctx, w); err != nil {
		return err
	}
	_ = e.index.IndexWorkflow(ctx, w)
	e.observer.OnWorkflowCompleted(ctx, w)
	e.logger.InfoContext(ctx, "workflow completed",
		slog.String("workflow", w.Name), slog.String("workflow_id", w.ID))
	return nil
}

// finalize terminates a workflow with the given status, cancelling its
// remaining tasks and draining their queue entries.
func (e *Executor) finalize(ctx context.Context, w *api.Workflow, status api.WorkflowStatus, reason string, failedTask *api.Task) error {
	if !status.IsTerminal() {
		status = api.WorkflowFailed
	}
	w.Status = status
	w.ReasonForIncompletion = reason

	if failedTask != nil {
		if stored := w.TaskByID(failedTask.ID); stored != nil {
			stored.Status = failedTask.Status
			stored.ReasonForIncompletion = failedTask.ReasonForIncompletion
		}
	}

	for _, t := range w.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = api.TaskCanceled
		t.UpdateTime = e.now()
		if err := e.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
			return err
		}
	}

	if err := e.decider.UpdateWorkflowOutput(ctx, w, failedTask); err != nil {
		e.logger.ErrorContext(ctx, "failed to compute workflow output on termination",
			slog.String("workflow_id", w.ID), slog.Any("error", err))
	}

	w.EndTime = e.now()
	w.UpdateTime = w.EndTime
	if err := e.execution.UpdateWorkflow(ctx, w); err != nil {
		return err
	}
	_ = e.index.IndexWorkflow(ctx, w)
	e.observer.OnWorkflowTerminated(ctx, w)
	e.logger.WarnContext(ctx, "workflow terminated",
		slog.String("workflow", w.Name),
		slog.String("workflow_id", w.ID),
		slog.String("status", string(status)),
		slog.String("reason", reason))
	return nil
}

// UpdateTask applies a worker-reported result and re-runs the decider on
// the affected workflow. It is the single writer of terminal task
// transitions.
func (e *Executor) UpdateTask(ctx context.Context, result *api.TaskResult) error {
	if result == nil || result.TaskID == "" {
		return api.NewInvalidInputError("task result must carry a task id")
	}

	t, err := e.execution.GetTask(ctx, result.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return api.NewNotFoundError("task not found: %s", result.TaskID)
	}
	if err != nil {
		return err
	}

	unlock := e.lock(t.WorkflowID)
	defer unlock()

	w, err := e.execution.GetWorkflow(ctx, t.WorkflowID, false)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		// Late result for a finished workflow; drop the queue entry and
		// keep the stored state.
		if err := e.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
			return err
		}
		e.logger.WarnContext(ctx, "dropping task update for terminal workflow",
			slog.String("workflow_id", w.ID), slog.String("task_id", t.ID))
		return nil
	}
	if t.Status.IsTerminal() {
		if err := e.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
			return err
		}
		e.logger.WarnContext(ctx, "dropping update for terminal task",
			slog.String("task_id", t.ID), slog.String("status", string(t.Status)))
		return nil
	}

	t.Status = statusFromResult(result.Status)
	t.Output = result.Output
	t.ReasonForIncompletion = result.ReasonForIncompletion
	t.CallbackAfterSeconds = result.CallbackAfterSeconds
	if result.WorkerID != "" {
		t.WorkerID = result.WorkerID
	}
	if result.ExternalOutputPath != "" {
		t.ExternalOutputPath = result.ExternalOutputPath
		t.Output = nil
	}
	t.UpdateTime = e.now()
	if t.Status.IsTerminal() {
		t.EndTime = t.UpdateTime
	}

	if err := e.gateway.VerifyAndUploadTask(ctx, t, api.PayloadTaskOutput); err != nil {
		return err
	}
	if err := e.execution.UpdateTask(ctx, t); err != nil {
		return err
	}
	_ = e.index.IndexTask(ctx, t)

	if len(result.Logs) > 0 {
		logs := make([]api.TaskExecLog, 0, len(result.Logs))
		now := e.now()
		for _, l := range result.Logs {
			l.TaskID = t.ID
			if l.CreatedTime == 0 {
				l.CreatedTime = now
			}
			logs = append(logs, l)
		}
		if err := e.execution.AddTaskExecLogs(ctx, logs); err != nil {
			return err
		}
	}

	// Queue membership follows the task state: terminal tasks leave the
	// queue, in-progress tasks with a callback go back on it.
	switch {
	case t.Status.IsTerminal():
		if err := e.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
			return err
		}
	case t.Status == api.TaskInProgress && t.CallbackAfterSeconds > 0:
		delay := time.Duration(t.CallbackAfterSeconds) * time.Second
		if _, err := e.queues.PushIfNotExists(ctx, queue.NameOf(t), t.ID, delay); err != nil {
			return err
		}
	}

	return e.decideUnlocked(ctx, t.WorkflowID)
}

// decideUnlocked is Decide without acquiring the per-workflow lock; callers
// hold it already.
func (e *Executor) decideUnlocked(ctx context.Context, workflowID string) error {
	for pass := 0; pass < maxDecidePasses; pass++ {
		again, err := e.decideOnce(ctx, workflowID)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
	return api.NewInternalError(fmt.Sprintf("decide loop did not settle for workflow %s", workflowID), nil)
}

func statusFromResult(s api.TaskResultStatus) api.TaskStatus {
	switch s {
	case api.ResultCompleted:
		return api.TaskCompleted
	case api.ResultFailed, api.ResultFailedWithTerminal:
		return api.TaskFailed
	case api.ResultCanceled:
		return api.TaskCanceled
	default:
		return api.TaskInProgress
	}
}

// Terminate aborts a running workflow with TERMINATED status.
func (e *Executor) Terminate(ctx context.Context, workflowID, reason string) error {
	unlock := e.lock(workflowID)
	defer unlock()

	w, err := e.execution.GetWorkflow(ctx, workflowID, true)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		return api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return api.NewInvalidInputError("workflow %s is already %s", workflowID, w.Status)
	}
	return e.finalize(ctx, w, api.WorkflowTerminated, reason, nil)
}

// Pause stops further task scheduling for a workflow until Resume.
func (e *Executor) Pause(ctx context.Context, workflowID string) error {
	unlock := e.lock(workflowID)
	defer unlock()

	w, err := e.execution.GetWorkflow(ctx, workflowID, false)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		return api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return api.NewInvalidInputError("workflow %s is already %s", workflowID, w.Status)
	}
	w.Status = api.WorkflowPaused
	w.UpdateTime = e.now()
	return e.execution.UpdateWorkflow(ctx, w)
}

// Resume returns a paused workflow to RUNNING and re-decides it.
func (e *Executor) Resume(ctx context.Context, workflowID string) error {
	unlock := e.lock(workflowID)

	w, err := e.execution.GetWorkflow(ctx, workflowID, false)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		unlock()
		return api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	if err != nil {
		unlock()
		return err
	}
	if w.Status != api.WorkflowPaused {
		unlock()
		return api.NewInvalidInputError("workflow %s is not paused", workflowID)
	}
	w.Status = api.WorkflowRunning
	w.UpdateTime = e.now()
	if err := e.execution.UpdateWorkflow(ctx, w); err != nil {
		unlock()
		return err
	}
	err = e.decideUnlocked(ctx, workflowID)
	unlock()
	return err
}

// GetWorkflow loads a workflow instance.
func (e *Executor) GetWorkflow(ctx context.Context, workflowID string, includeTasks bool) (*api.Workflow, error) {
	w, err := e.execution.GetWorkflow(ctx, workflowID, includeTasks)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		return nil, api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	return w, err
}

// RunningWorkflowIDs lists the ids of running instances of a workflow type.
func (e *Executor) RunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error) {
	return e.execution.RunningWorkflowIDs(ctx, workflowName)
}
