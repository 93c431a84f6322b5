// Package decider holds the pure evaluator at the core of the engine: given
// a workflow snapshot and its definition, it decides which tasks to
// schedule, retry, time out or complete. It reads its collaborators but
// never writes; persisting the outcome is the executor's job, and the
// executor must serialize decisions per workflow id.
package decider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/maestro/internal/idgen"
	"github.com/petrijr/maestro/internal/params"
	"github.com/petrijr/maestro/internal/payload"
	"github.com/petrijr/maestro/internal/queue"
	"github.com/petrijr/maestro/internal/store"
	"github.com/petrijr/maestro/pkg/api"
)

// Outcome is the result of one decide pass.
type Outcome struct {
	TasksToBeScheduled []*api.Task
	TasksToBeUpdated   []*api.Task
	TasksToBeRequeued  []*api.Task
	IsComplete         bool
}

// Decider evaluates workflow state. It is safe for concurrent use across
// distinct workflows; calls for the same workflow id must be serialized by
// the caller.
type Decider struct {
	metadata store.MetadataStore
	queues   queue.Queue
	resolver *params.Resolver
	mappers  *MapperRegistry
	gateway  *payload.Gateway
	ids      idgen.Generator
	observer api.Observer
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Decider.
type Option func(*Decider)

// WithIDGenerator overrides the task id source; tests use deterministic
// sequences.
func WithIDGenerator(g idgen.Generator) Option {
	return func(d *Decider) { d.ids = g }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o api.Observer) Option {
	return func(d *Decider) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decider) { d.logger = l }
}

// WithClock overrides the time source; tests freeze it.
func WithClock(clock func() time.Time) Option {
	return func(d *Decider) { d.clock = clock }
}

// New constructs a Decider.
func New(metadata store.MetadataStore, queues queue.Queue, resolver *params.Resolver,
	mappers *MapperRegistry, gateway *payload.Gateway, opts ...Option) *Decider {

	d := &Decider{
		metadata: metadata,
		queues:   queues,
		resolver: resolver,
		mappers:  mappers,
		gateway:  gateway,
		ids:      idgen.UUID{},
		observer: api.NoopObserver{},
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// scheduleSet is an insertion-ordered map keyed by reference name. A put on
// an existing key replaces the value but keeps the original position.
type scheduleSet struct {
	order []string
	tasks map[string]*api.Task
}

func newScheduleSet() *scheduleSet {
	return &scheduleSet{tasks: make(map[string]*api.Task)}
}

func (s *scheduleSet) put(t *api.Task) {
	if _, ok := s.tasks[t.ReferenceName]; !ok {
		s.order = append(s.order, t.ReferenceName)
	}
	s.tasks[t.ReferenceName] = t
}

func (s *scheduleSet) putIfAbsent(t *api.Task) {
	if _, ok := s.tasks[t.ReferenceName]; ok {
		return
	}
	s.order = append(s.order, t.ReferenceName)
	s.tasks[t.ReferenceName] = t
}

func (s *scheduleSet) values() []*api.Task {
	out := make([]*api.Task, 0, len(s.order))
	for _, ref := range s.order {
		out = append(out, s.tasks[ref])
	}
	return out
}

// Decide evaluates the workflow against its definition and returns the
// tasks to schedule and update, plus the completion flag. A returned
// *api.TerminateWorkflowError means the workflow must be finalized with the
// carried status.
func (d *Decider) Decide(ctx context.Context, w *api.Workflow, def *api.WorkflowDef) (*Outcome, error) {
	w.SchemaVersion = def.SchemaVersion

	// For a new workflow both lists are empty.
	executedTasks := make([]*api.Task, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		if t.Status != api.TaskSkipped && t.Status != api.TaskReadyForRerun && !t.Executed {
			executedTasks = append(executedTasks, t)
		}
	}

	var preScheduled []*api.Task
	if len(executedTasks) == 0 {
		var err error
		preScheduled, err = d.startWorkflow(ctx, w, def)
		if err != nil {
			return nil, err
		}
	}
	return d.decide(ctx, def, w, preScheduled)
}

func (d *Decider) decide(ctx context.Context, def *api.WorkflowDef, w *api.Workflow, preScheduled []*api.Task) (*Outcome, error) {
	outcome := &Outcome{}

	if w.Status == api.WorkflowPaused {
		d.logger.DebugContext(ctx, "workflow is paused", slog.String("workflow_id", w.ID))
		return outcome, nil
	}
	if w.Status.IsTerminal() {
		d.logger.WarnContext(ctx, "workflow is already finished",
			slog.String("workflow_id", w.ID),
			slog.String("status", string(w.Status)),
			slog.String("reason", w.ReasonForIncompletion))
		return outcome, nil
	}

	// Tasks that are not retried, not skipped and not executed, plus the
	// built-in control-flow tasks regardless of those flags.
	pendingTasks := make([]*api.Task, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		if (!t.Retried && t.Status != api.TaskSkipped && !t.Executed) || t.Type.IsBuiltIn() {
			pendingTasks = append(pendingTasks, t)
		}
	}

	executedRefNames := make(map[string]struct{})
	for _, t := range w.Tasks {
		if t.Executed {
			executedRefNames[t.ReferenceName] = struct{}{}
		}
	}

	toSchedule := newScheduleSet()
	for _, t := range preScheduled {
		toSchedule.put(t)
	}

	for _, pending := range pendingTasks {
		if pending.Type.IsBuiltIn() && !pending.Status.IsTerminal() {
			toSchedule.putIfAbsent(pending)
			delete(executedRefNames, pending.ReferenceName)
		}

		taskDef, err := d.taskDef(pending.DefName)
		if err != nil {
			return nil, err
		}
		if taskDef != nil {
			if err := d.checkForTimeout(ctx, taskDef, pending); err != nil {
				return nil, err
			}
			timedOut, err := d.isResponseTimedOut(ctx, taskDef, pending)
			if err != nil {
				return nil, err
			}
			if timedOut {
				d.timeoutTask(taskDef, pending)
			}
		}

		if pending.Status.IsTerminal() && !pending.Status.IsSuccessful() {
			template := pending.WorkflowTask
			if template == nil {
				template = def.TaskByRefName(pending.ReferenceName)
			}
			if template != nil && template.Optional {
				pending.Status = api.TaskCompletedWithErrors
			} else {
				retryTask, err := d.retry(ctx, taskDef, template, pending, w)
				if err != nil {
					return nil, err
				}
				toSchedule.put(retryTask)
				delete(executedRefNames, retryTask.ReferenceName)
				outcome.TasksToBeUpdated = append(outcome.TasksToBeUpdated, pending)
			}
		}

		if !pending.Executed && !pending.Retried && pending.Status.IsTerminal() {
			pending.Executed = true
			nextTasks, err := d.getNextTask(ctx, def, w, pending)
			if err != nil {
				return nil, err
			}
			for _, next := range nextTasks {
				toSchedule.putIfAbsent(next)
			}
			outcome.TasksToBeUpdated = append(outcome.TasksToBeUpdated, pending)
			d.logger.DebugContext(ctx, "scheduling successors",
				slog.String("workflow_id", w.ID),
				slog.String("after", pending.ReferenceName),
				slog.Int("count", len(nextTasks)))
		}
	}

	for _, t := range toSchedule.values() {
		if _, executed := executedRefNames[t.ReferenceName]; !executed {
			outcome.TasksToBeScheduled = append(outcome.TasksToBeScheduled, t)
		}
	}

	if len(outcome.TasksToBeScheduled) == 0 {
		complete, err := d.checkForCompletion(ctx, def, w)
		if err != nil {
			return nil, err
		}
		if complete {
			d.logger.DebugContext(ctx, "marking workflow complete", slog.String("workflow_id", w.ID))
			outcome.IsComplete = true
		}
	}

	return outcome, nil
}

// startWorkflow seeds the initial schedulable tasks: the first non-skipped
// template for a fresh start, or the READY_FOR_RERUN task for a re-run.
func (d *Decider) startWorkflow(ctx context.Context, w *api.Workflow, def *api.WorkflowDef) ([]*api.Task, error) {
	d.logger.DebugContext(ctx, "starting workflow",
		slog.String("workflow", def.Name), slog.String("workflow_id", w.ID))

	if w.ReRunFromWorkflowID == "" || len(w.Tasks) == 0 {
		if len(def.Tasks) == 0 {
			return nil, api.NewTerminateWorkflowError("No tasks found to be executed", api.WorkflowCompleted, nil)
		}

		toSchedule := &def.Tasks[0]
		for toSchedule != nil && d.isTaskSkipped(toSchedule, w) {
			toSchedule = def.NextTask(toSchedule.ReferenceName)
		}
		if toSchedule == nil {
			return nil, api.NewTerminateWorkflowError("No tasks found to be executed", api.WorkflowCompleted, nil)
		}
		return d.mapTemplate(ctx, def, w, toSchedule, 0, "")
	}

	for _, t := range w.Tasks {
		if t.Status == api.TaskReadyForRerun {
			t.Status = api.TaskScheduled
			t.Retried = true
			t.RetryCount = 0
			return []*api.Task{t}, nil
		}
	}
	reason := fmt.Sprintf("workflow %s is marked for re-run from %s but has no task ready for re-run",
		w.ID, w.ReRunFromWorkflowID)
	return nil, api.NewTerminateWorkflowError(reason, api.WorkflowFailed, nil)
}

// taskDef loads a definition, mapping "not registered" to nil.
func (d *Decider) taskDef(name string) (*api.TaskDef, error) {
	if name == "" {
		return nil, nil
	}
	def, err := d.metadata.GetTaskDef(name)
	if errors.Is(err, store.ErrDefinitionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

// checkForTimeout applies the execution timeout to an in-progress task. The
// returned error, if any, is the workflow termination signal.
func (d *Decider) checkForTimeout(ctx context.Context, taskDef *api.TaskDef, t *api.Task) error {
	if taskDef == nil {
		d.logger.WarnContext(ctx, "missing task definition",
			slog.String("task_def", t.DefName), slog.String("workflow_id", t.WorkflowID))
		return nil
	}
	if t.Status.IsTerminal() || taskDef.TimeoutSeconds <= 0 || t.Status != api.TaskInProgress {
		return nil
	}

	timeout := taskDef.TimeoutSeconds * 1000
	now := nowMillis(d.clock)
	elapsed := now - (t.StartTime + t.StartDelaySeconds*1000)
	if elapsed < timeout {
		return nil
	}

	reason := fmt.Sprintf("Task timed out after %d ms, timeout configured as %d ms", elapsed, timeout)
	d.observer.OnTaskTimeout(ctx, t)

	switch taskDef.TimeoutPolicyOrDefault() {
	case api.TimeoutAlertOnly:
		return nil
	case api.TimeoutRetry:
		t.Status = api.TaskTimedOut
		t.ReasonForIncompletion = reason
		return nil
	default: // TIME_OUT_WF
		t.Status = api.TaskTimedOut
		t.ReasonForIncompletion = reason
		return api.NewTerminateWorkflowError(reason, api.WorkflowTimedOut, t)
	}
}

// isResponseTimedOut reports whether a polled task has gone unreported past
// its response timeout. Presence in the queue means a callback is pending
// and no worker is holding the task, so the timeout is suppressed.
func (d *Decider) isResponseTimedOut(ctx context.Context, taskDef *api.TaskDef, t *api.Task) (bool, error) {
	if taskDef == nil {
		d.logger.WarnContext(ctx, "missing task definition",
			slog.String("task_def", t.DefName), slog.String("workflow_id", t.WorkflowID))
		return false, nil
	}
	if t.Status != api.TaskInProgress || taskDef.ResponseTimeoutSeconds <= 0 {
		return false, nil
	}

	queued, err := d.queues.Exists(ctx, queue.NameOf(t), t.ID)
	if err != nil {
		return false, err
	}
	if queued {
		return false, nil
	}

	noResponseTime := nowMillis(d.clock) - t.UpdateTime
	if noResponseTime < taskDef.ResponseTimeoutSeconds*1000 {
		return false, nil
	}

	d.observer.OnTaskResponseTimeout(ctx, t.DefName)
	return true, nil
}

func (d *Decider) timeoutTask(taskDef *api.TaskDef, t *api.Task) {
	t.Status = api.TaskTimedOut
	t.ReasonForIncompletion = fmt.Sprintf("responseTimeout: %d exceeded for taskId: %s with definition: %s",
		taskDef.ResponseTimeoutSeconds, t.ID, t.DefName)
}

// retry produces the successor attempt for a failed or timed-out task, or
// terminates the workflow when the task is out of retries.
func (d *Decider) retry(ctx context.Context, taskDef *api.TaskDef, template *api.WorkflowTask, t *api.Task, w *api.Workflow) (*api.Task, error) {
	if !t.Status.IsRetriable() || t.Type.IsBuiltIn() || taskDef == nil || taskDef.RetryCount <= t.RetryCount {
		status := api.WorkflowFailed
		if t.Status == api.TaskTimedOut {
			status = api.WorkflowTimedOut
		}
		if err := d.updateWorkflowOutput(ctx, w, t); err != nil {
			return nil, err
		}
		return nil, api.NewTerminateWorkflowError(t.ReasonForIncompletion, status, t)
	}

	// Retry, but not immediately.
	startDelay := taskDef.RetryDelaySeconds
	if taskDef.RetryLogicOrDefault() == api.RetryExponentialBackoff {
		startDelay = taskDef.RetryDelaySeconds * int64(1+t.RetryCount)
	}

	t.Retried = true

	rescheduled := t.Copy()
	rescheduled.ID = d.ids.Generate()
	rescheduled.RetriedTaskID = t.ID
	rescheduled.Status = api.TaskScheduled
	rescheduled.PollCount = 0
	rescheduled.RetryCount = t.RetryCount + 1
	rescheduled.Retried = false
	rescheduled.Executed = false
	rescheduled.StartDelaySeconds = startDelay
	rescheduled.CallbackAfterSeconds = startDelay
	rescheduled.StartTime = 0
	rescheduled.EndTime = 0
	rescheduled.WorkerID = ""
	rescheduled.ReasonForIncompletion = ""
	rescheduled.ScheduledTime = nowMillis(d.clock)

	rescheduled.Input = make(map[string]any)
	if t.ExternalInputPath != "" {
		rescheduled.ExternalInputPath = t.ExternalInputPath
	} else {
		for k, v := range t.Input {
			rescheduled.Input[k] = v
		}
	}

	// Schema version 1 keeps the original inputs; later versions re-resolve
	// them against the current workflow state.
	if template != nil && w.SchemaVersion > 1 {
		populated, err := d.populateWorkflowAndTaskData(ctx, w)
		if err != nil {
			return nil, err
		}
		for k, v := range d.resolver.TaskInputV2(template.InputParameters, populated, taskDef, rescheduled.ID) {
			rescheduled.Input[k] = v
		}
	}

	if err := d.gateway.VerifyAndUploadTask(ctx, rescheduled, api.PayloadTaskInput); err != nil {
		return nil, err
	}

	d.observer.OnTaskRetry(ctx, rescheduled, rescheduled.RetryCount)
	return rescheduled, nil
}

// checkForCompletion verifies the three completion conditions: every
// template terminal and successful, no recorded task non-terminal, and no
// unscheduled successor remaining.
func (d *Decider) checkForCompletion(ctx context.Context, def *api.WorkflowDef, w *api.Workflow) (bool, error) {
	if len(w.Tasks) == 0 {
		return false, nil
	}

	statusByRef := make(map[string]api.TaskStatus, len(w.Tasks))
	for _, t := range w.Tasks {
		statusByRef[t.ReferenceName] = t.Status
	}

	for i := range def.Tasks {
		status, ok := statusByRef[def.Tasks[i].ReferenceName]
		if !ok || !status.IsTerminal() || !status.IsSuccessful() {
			return false, nil
		}
	}

	for _, status := range statusByRef {
		if !status.IsTerminal() {
			return false, nil
		}
	}

	for _, t := range w.Tasks {
		next := d.nextRefName(def, w, t)
		if next != "" {
			if _, scheduled := statusByRef[next]; !scheduled {
				return false, nil
			}
		}
	}
	return true, nil
}

// getNextTask maps the templates that follow a completed task. A decision
// whose children were already produced drives control flow through them, so
// it yields nothing.
func (d *Decider) getNextTask(ctx context.Context, def *api.WorkflowDef, w *api.Workflow, t *api.Task) ([]*api.Task, error) {
	if t.Type == api.TaskTypeDecision && t.Input["hasChildren"] != nil {
		return nil, nil
	}

	next := def.NextTask(t.ReferenceName)
	for next != nil && d.isTaskSkipped(next, w) {
		next = def.NextTask(next.ReferenceName)
	}
	if next == nil {
		return nil, nil
	}
	return d.mapTemplate(ctx, def, w, next, 0, "")
}

// nextRefName is the completion-check variant of getNextTask: it only walks
// the definition and never maps tasks.
func (d *Decider) nextRefName(def *api.WorkflowDef, w *api.Workflow, t *api.Task) string {
	next := def.NextTask(t.ReferenceName)
	for next != nil && d.isTaskSkipped(next, w) {
		next = def.NextTask(next.ReferenceName)
	}
	if next == nil {
		return ""
	}
	return next.ReferenceName
}

// mapTemplate resolves a template's input and dispatches it to its mapper.
func (d *Decider) mapTemplate(ctx context.Context, def *api.WorkflowDef, w *api.Workflow,
	template *api.WorkflowTask, retryCount int, retriedTaskID string) ([]*api.Task, error) {
	return d.mapTemplateWithInput(ctx, def, w, template, nil, retryCount, retriedTaskID)
}

// mapTemplateWithInput is mapTemplate with an input override, used by the
// dynamic fork whose branch inputs arrive as data.
func (d *Decider) mapTemplateWithInput(ctx context.Context, def *api.WorkflowDef, w *api.Workflow,
	template *api.WorkflowTask, inputOverride map[string]any, retryCount int, retriedTaskID string) ([]*api.Task, error) {

	populated, err := d.populateWorkflowAndTaskData(ctx, w)
	if err != nil {
		return nil, err
	}

	input := inputOverride
	if input == nil {
		input = d.resolver.TaskInput(template.InputParameters, populated, nil, "")
	}

	inProgressRefs := make(map[string]struct{})
	for _, running := range populated.Tasks {
		if running.Status == api.TaskInProgress {
			inProgressRefs[running.ReferenceName] = struct{}{}
		}
	}

	taskDef, err := d.taskDef(template.Name)
	if err != nil {
		return nil, err
	}

	taskType := template.TypeOrDefault()
	mapper, ok := d.mappers.Get(taskType)
	if !ok {
		return nil, api.NewTerminateWorkflowError(
			fmt.Sprintf("no mapper registered for task type %s", taskType), api.WorkflowFailed, nil)
	}

	mc := &MapperContext{
		Def:           def,
		Workflow:      populated,
		TaskDef:       taskDef,
		Template:      template,
		Input:         input,
		RetryCount:    retryCount,
		RetriedTaskID: retriedTaskID,
		TaskID:        d.ids.Generate(),
		IDs:           d.ids,
		Now:           nowMillis(d.clock),
		Decider:       d,
	}

	mapped, err := mapper(ctx, mc)
	if err != nil {
		// Mapper failures terminate the workflow with the mapper's reason.
		if _, isTerminate := api.AsTerminateWorkflow(err); isTerminate {
			return nil, err
		}
		return nil, api.NewTerminateWorkflowError(err.Error(), api.WorkflowFailed, nil)
	}

	// A task must not be scheduled while an instance with the same
	// reference name is in progress for this workflow.
	tasks := make([]*api.Task, 0, len(mapped))
	for _, t := range mapped {
		if _, running := inProgressRefs[t.ReferenceName]; running {
			continue
		}
		if err := d.gateway.VerifyAndUploadTask(ctx, t, api.PayloadTaskInput); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// evaluateCase computes the decision case value: the case expression when
// present, else the named input parameter.
func (d *Decider) evaluateCase(template *api.WorkflowTask, input map[string]any) string {
	if template.CaseExpression != "" {
		doc := map[string]any{"$": input}
		for k, v := range input {
			doc[k] = v
		}
		return caseString(d.resolver.EvalExpr(template.CaseExpression, doc))
	}
	return caseString(input[template.CaseValueParam])
}

func caseString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// updateWorkflowOutput computes the workflow output before termination or
// completion: from the definition's output parameters when present, else
// from the last task's output.
func (d *Decider) updateWorkflowOutput(ctx context.Context, w *api.Workflow, last *api.Task) error {
	if len(w.Tasks) == 0 {
		return nil
	}
	if last == nil {
		last = w.Tasks[len(w.Tasks)-1]
	}

	def, err := d.metadata.GetWorkflowDef(w.Name, w.Version)
	if err != nil {
		return err
	}

	var output map[string]any
	switch {
	case len(def.OutputParameters) > 0:
		populated, err := d.populateWorkflowAndTaskData(ctx, w)
		if err != nil {
			return err
		}
		output = d.resolver.TaskInputV2(def.OutputParameters, populated, nil, "")
	case last.ExternalOutputPath != "":
		output, err = d.gateway.Download(ctx, last.ExternalOutputPath, last.DefName, api.PayloadTaskOutput)
		if err != nil {
			return err
		}
	default:
		output = last.Output
	}

	w.Output = output
	return d.gateway.VerifyAndUploadWorkflow(ctx, w, api.PayloadWorkflowOutput)
}

// UpdateWorkflowOutput exposes output computation to the executor, which
// needs it when finalizing workflows outside a decide pass.
func (d *Decider) UpdateWorkflowOutput(ctx context.Context, w *api.Workflow, last *api.Task) error {
	return d.updateWorkflowOutput(ctx, w, last)
}

// populateWorkflowAndTaskData returns a deep copy of the workflow with any
// externalized payloads downloaded and plugged back in.
func (d *Decider) populateWorkflowAndTaskData(ctx context.Context, w *api.Workflow) (*api.Workflow, error) {
	populated := w.Copy()

	if w.ExternalInputPath != "" {
		input, err := d.gateway.Download(ctx, w.ExternalInputPath, w.Name, api.PayloadWorkflowInput)
		if err != nil {
			return nil, err
		}
		populated.Input = input
		populated.ExternalInputPath = ""
	}

	for _, t := range populated.Tasks {
		if t.ExternalOutputPath != "" {
			output, err := d.gateway.Download(ctx, t.ExternalOutputPath, t.DefName, api.PayloadTaskOutput)
			if err != nil {
				return nil, err
			}
			t.Output = output
			t.ExternalOutputPath = ""
		}
		if t.ExternalInputPath != "" {
			input, err := d.gateway.Download(ctx, t.ExternalInputPath, t.DefName, api.PayloadTaskInput)
			if err != nil {
				return nil, err
			}
			t.Input = input
			t.ExternalInputPath = ""
		}
	}
	return populated, nil
}

func (d *Decider) isTaskSkipped(template *api.WorkflowTask, w *api.Workflow) bool {
	if template == nil {
		return false
	}
	t := w.TaskByRefName(template.ReferenceName)
	return t != nil && t.Status == api.TaskSkipped
}
