package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/maestro/internal/config"
	"github.com/petrijr/maestro/internal/queue"
	"github.com/petrijr/maestro/internal/store"
	"github.com/petrijr/maestro/pkg/api"
)

// MaxPollTimeout bounds the long-poll duration a worker may request.
const MaxPollTimeout = 5 * time.Second

// ExecutionService is the worker-facing API: poll, update, ack, requeue,
// list and log. It coordinates the queues, the execution store and the
// Executor.
type ExecutionService struct {
	executor  *Executor
	metadata  store.MetadataStore
	execution store.ExecutionStore
	index     store.IndexStore
	queues    queue.Queue
	cfg       *config.Config
	observer  api.Observer
	logger    *slog.Logger
	clock     func() time.Time
}

// ServiceOption configures an ExecutionService.
type ServiceOption func(*ExecutionService)

// WithServiceObserver sets the lifecycle observer.
func WithServiceObserver(o api.Observer) ServiceOption {
	return func(s *ExecutionService) { s.observer = o }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *ExecutionService) { s.logger = l }
}

// WithServiceClock overrides the time source.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *ExecutionService) { s.clock = clock }
}

// NewExecutionService constructs an ExecutionService.
func NewExecutionService(executor *Executor, metadata store.MetadataStore, execution store.ExecutionStore,
	index store.IndexStore, queues queue.Queue, cfg *config.Config, opts ...ServiceOption) *ExecutionService {

	if cfg == nil {
		cfg = config.New()
	}
	s := &ExecutionService{
		executor:  executor,
		metadata:  metadata,
		execution: execution,
		index:     index,
		queues:    queues,
		cfg:       cfg,
		observer:  api.NoopObserver{},
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExecutionService) now() int64 { return s.clock().UnixMilli() }

// Poll dequeues up to count tasks of a type for a worker, transitioning
// them to IN_PROGRESS. Tasks whose definitions cap concurrent executions
// are dropped when the cap is reached, so workers may receive fewer than
// count.
func (s *ExecutionService) Poll(ctx context.Context, taskType, workerID, domain string, count int, timeout time.Duration) ([]*api.Task, error) {
	if timeout > MaxPollTimeout {
		return nil, api.NewInvalidInputError("long poll timeout cannot be more than %v", MaxPollTimeout)
	}
	if count <= 0 {
		count = 1
	}
	queueName := queue.Name(taskType, domain)

	ids, err := s.queues.Pop(ctx, queueName, count, timeout)
	if err != nil {
		return nil, err
	}

	tasks := make([]*api.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.execution.GetTask(ctx, id)
		if errors.Is(err, store.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return tasks, err
		}

		exceeds, err := s.exceedsInProgressLimit(ctx, t)
		if err != nil {
			return tasks, err
		}
		if exceeds {
			// Back-pressure: the task is not handed out; its queue entry
			// resurfaces when the unack visibility timer expires.
			s.logger.DebugContext(ctx, "concurrency limit reached, dropping poll",
				slog.String("task_def", t.DefName), slog.String("task_id", t.ID))
			continue
		}

		now := s.now()
		t.Status = api.TaskInProgress
		if t.StartTime == 0 {
			t.StartTime = now
			s.observer.OnQueueWait(ctx, t.DefName, time.Duration(t.QueueWaitTime())*time.Millisecond)
		}
		t.WorkerID = workerID
		t.PollCount++
		t.UpdateTime = now
		if err := s.execution.UpdateTask(ctx, t); err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}

	if err := s.execution.UpdateLastPoll(ctx, api.PollData{
		QueueName:    taskType,
		Domain:       domain,
		WorkerID:     workerID,
		LastPollTime: s.now(),
	}); err != nil {
		return tasks, err
	}
	s.observer.OnTaskPoll(ctx, queueName)
	return tasks, nil
}

// PollOne is Poll with count 1, returning nil when nothing was available.
func (s *ExecutionService) PollOne(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*api.Task, error) {
	tasks, err := s.Poll(ctx, taskType, workerID, domain, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (s *ExecutionService) exceedsInProgressLimit(ctx context.Context, t *api.Task) (bool, error) {
	def, err := s.metadata.GetTaskDef(t.DefName)
	if errors.Is(err, store.ErrDefinitionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if def.ConcurrentExecLimit <= 0 {
		return false, nil
	}
	n, err := s.execution.InProgressCount(ctx, t.DefName)
	if err != nil {
		return false, err
	}
	return n >= def.ConcurrentExecLimit, nil
}

// Ack removes a delivered task from the unacked area of its queue.
func (s *ExecutionService) Ack(ctx context.Context, taskID string) (bool, error) {
	t, err := s.execution.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.queues.Ack(ctx, queue.NameOf(t), taskID)
}

// UpdateTask applies a worker result; the executor is the single writer of
// terminal transitions and re-runs the decider.
func (s *ExecutionService) UpdateTask(ctx context.Context, result *api.TaskResult) error {
	return s.executor.UpdateTask(ctx, result)
}

// GetTask loads a task by id.
func (s *ExecutionService) GetTask(ctx context.Context, taskID string) (*api.Task, error) {
	t, err := s.execution.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, api.NewNotFoundError("task not found: %s", taskID)
	}
	return t, err
}

// GetTasks pages through stored tasks of a type.
func (s *ExecutionService) GetTasks(ctx context.Context, taskType, startKey string, count int) ([]*api.Task, error) {
	return s.execution.TasksForType(ctx, taskType, startKey, count)
}

// GetPendingTaskForWorkflow returns the active task for a reference name
// within a workflow.
func (s *ExecutionService) GetPendingTaskForWorkflow(ctx context.Context, refName, workflowID string) (*api.Task, error) {
	t, err := s.execution.PendingTaskForWorkflow(ctx, refName, workflowID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, api.NewNotFoundError("no pending task %s in workflow %s", refName, workflowID)
	}
	return t, err
}

// TaskQueueSizes reports the visible backlog per task definition name.
func (s *ExecutionService) TaskQueueSizes(ctx context.Context, taskDefNames []string) (map[string]int, error) {
	sizes := make(map[string]int, len(taskDefNames))
	for _, name := range taskDefNames {
		n, err := s.queues.Size(ctx, name)
		if err != nil {
			return nil, err
		}
		sizes[name] = n
	}
	return sizes, nil
}

// RemoveTaskFromQueue deletes a task's queue entry without touching the
// stored task.
func (s *ExecutionService) RemoveTaskFromQueue(ctx context.Context, taskID string) error {
	t, err := s.execution.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return api.NewNotFoundError("task not found: %s", taskID)
	}
	if err != nil {
		return err
	}
	return s.queues.Remove(ctx, queue.NameOf(t), t.ID)
}

// RequeuePendingTasks walks every running workflow and pushes back tasks
// whose last update is older than the requeue timeout. Returns the number
// of queue inserts.
func (s *ExecutionService) RequeuePendingTasks(ctx context.Context) (int, error) {
	threshold := s.now() - s.cfg.TaskRequeueTimeout().Milliseconds()

	defs, err := s.metadata.AllWorkflowDefs()
	if err != nil {
		return 0, err
	}

	count := 0
	seen := make(map[string]struct{})
	for _, def := range defs {
		if _, ok := seen[def.Name]; ok {
			continue
		}
		seen[def.Name] = struct{}{}

		ids, err := s.execution.RunningWorkflowIDs(ctx, def.Name)
		if err != nil {
			return count, err
		}
		for _, id := range ids {
			w, err := s.execution.GetWorkflow(ctx, id, true)
			if err != nil {
				s.logger.ErrorContext(ctx, "skipping workflow during requeue",
					slog.String("workflow_id", id), slog.Any("error", err))
				continue
			}
			n, err := s.requeueWorkflowTasks(ctx, w, threshold)
			if err != nil {
				return count, err
			}
			count += n
		}
	}
	return count, nil
}

func (s *ExecutionService) requeueWorkflowTasks(ctx context.Context, w *api.Workflow, threshold int64) (int, error) {
	count := 0
	for _, pending := range w.Tasks {
		if pending.Type.IsSystem() {
			continue
		}
		if pending.Status.IsTerminal() {
			continue
		}
		if pending.UpdateTime >= threshold {
			continue
		}

		s.logger.InfoContext(ctx, "requeuing task",
			slog.String("workflow_id", w.ID),
			slog.String("task_type", string(pending.Type)),
			slog.String("task_id", pending.ID))

		callback := pending.CallbackAfterSeconds
		if callback < 0 {
			callback = 0
		}
		pushed, err := s.queues.PushIfNotExists(ctx, queue.NameOf(pending), pending.ID,
			time.Duration(callback)*time.Second)
		if err != nil {
			return count, err
		}
		if pushed {
			count++
		}
	}
	return count, nil
}

// RequeuePendingTasksForType bumps stale reservations of one task type back
// to visible: the queue entry is removed and re-inserted with the remaining
// callback delay.
func (s *ExecutionService) RequeuePendingTasksForType(ctx context.Context, taskType string) (int, error) {
	pending, err := s.execution.PendingTasksForType(ctx, taskType)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range pending {
		if t.Type.IsSystem() {
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}

		s.logger.InfoContext(ctx, "requeuing task",
			slog.String("workflow_id", t.WorkflowID),
			slog.String("task_type", string(t.Type)),
			slog.String("task_id", t.ID))

		pushed, err := s.requeue(ctx, t)
		if err != nil {
			return count, err
		}
		if pushed {
			count++
		}
	}
	return count, nil
}

func (s *ExecutionService) requeue(ctx context.Context, t *api.Task) (bool, error) {
	callback := t.CallbackAfterSeconds
	if callback < 0 {
		callback = 0
	}
	if err := s.queues.Remove(ctx, queue.NameOf(t), t.ID); err != nil {
		return false, err
	}
	callback -= (s.now() - t.UpdateTime) / 1000
	if callback < 0 {
		callback = 0
	}
	return s.queues.PushIfNotExists(ctx, queue.NameOf(t), t.ID, time.Duration(callback)*time.Second)
}

// ProcessUnacks restores expired unacked queue entries for every known
// queue; the local runner calls it periodically.
func (s *ExecutionService) ProcessUnacks(ctx context.Context) error {
	detail, err := s.queues.QueuesDetail(ctx)
	if err != nil {
		return err
	}
	for name := range detail {
		if err := s.queues.ProcessUnacks(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow loads a workflow instance.
func (s *ExecutionService) GetWorkflow(ctx context.Context, workflowID string, includeTasks bool) (*api.Workflow, error) {
	return s.executor.GetWorkflow(ctx, workflowID, includeTasks)
}

// GetWorkflowInstances lists instances of a workflow type by correlation
// id, optionally restricted to running ones.
func (s *ExecutionService) GetWorkflowInstances(ctx context.Context, workflowName, correlationID string, includeClosed, includeTasks bool) ([]*api.Workflow, error) {
	workflows, err := s.execution.WorkflowsByCorrelationID(ctx, correlationID, includeTasks)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Workflow, 0, len(workflows))
	for _, w := range workflows {
		if w.Name != workflowName {
			continue
		}
		if !includeClosed && w.Status != api.WorkflowRunning {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// RunningWorkflowIDs lists the ids of running instances of a workflow type.
func (s *ExecutionService) RunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error) {
	return s.execution.RunningWorkflowIDs(ctx, workflowName)
}

// RemoveWorkflow deletes a workflow and its tasks from the execution store.
func (s *ExecutionService) RemoveWorkflow(ctx context.Context, workflowID string) error {
	err := s.execution.RemoveWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrWorkflowNotFound) {
		return api.NewNotFoundError("workflow not found: %s", workflowID)
	}
	return err
}

// SearchWorkflows runs an index query and hydrates the matching workflows.
// Instances that fail to load are elided and the total is adjusted.
func (s *ExecutionService) SearchWorkflows(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[api.WorkflowSummary], error) {
	if err := s.checkSearchSize(size); err != nil {
		return api.SearchResult[api.WorkflowSummary]{}, err
	}

	result, err := s.index.SearchWorkflows(ctx, query, freeText, start, size)
	if err != nil {
		return api.SearchResult[api.WorkflowSummary]{}, err
	}

	summaries := make([]api.WorkflowSummary, 0, len(result.Results))
	for _, id := range result.Results {
		w, err := s.execution.GetWorkflow(ctx, id, false)
		if err != nil {
			s.logger.ErrorContext(ctx, "eliding workflow from search result",
				slog.String("workflow_id", id), slog.Any("error", err))
			continue
		}
		summaries = append(summaries, api.NewWorkflowSummary(w))
	}
	missing := int64(len(result.Results) - len(summaries))
	return api.SearchResult[api.WorkflowSummary]{
		TotalHits: result.TotalHits - missing,
		Results:   summaries,
	}, nil
}

// SearchTasks mirrors SearchWorkflows for task summaries.
func (s *ExecutionService) SearchTasks(ctx context.Context, query, freeText string, start, size int) (api.SearchResult[api.TaskSummary], error) {
	if err := s.checkSearchSize(size); err != nil {
		return api.SearchResult[api.TaskSummary]{}, err
	}

	result, err := s.index.SearchTasks(ctx, query, freeText, start, size)
	if err != nil {
		return api.SearchResult[api.TaskSummary]{}, err
	}

	summaries := make([]api.TaskSummary, 0, len(result.Results))
	for _, id := range result.Results {
		t, err := s.execution.GetTask(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "eliding task from search result",
				slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		summaries = append(summaries, api.NewTaskSummary(t))
	}
	missing := int64(len(result.Results) - len(summaries))
	return api.SearchResult[api.TaskSummary]{
		TotalHits: result.TotalHits - missing,
		Results:   summaries,
	}, nil
}

func (s *ExecutionService) checkSearchSize(size int) error {
	if limit := s.cfg.MaxSearchSize(); size > limit {
		return api.NewInvalidInputError("cannot return more than %d results, use pagination", limit)
	}
	return nil
}

// Log appends a worker log line to a task.
func (s *ExecutionService) Log(ctx context.Context, taskID, log string) error {
	return s.execution.AddTaskExecLogs(ctx, []api.TaskExecLog{{
		TaskID:      taskID,
		Log:         log,
		CreatedTime: s.now(),
	}})
}

// GetTaskLogs returns the log lines recorded against a task.
func (s *ExecutionService) GetTaskLogs(ctx context.Context, taskID string) ([]api.TaskExecLog, error) {
	return s.execution.TaskExecLogs(ctx, taskID)
}

// GetPollData returns the last-poll records for a task type.
func (s *ExecutionService) GetPollData(ctx context.Context, taskType string) ([]api.PollData, error) {
	return s.execution.PollData(ctx, taskType)
}

// GetAllPollData aggregates poll data across every known queue, skipping
// domain-scoped queue names (their base type is reported instead).
func (s *ExecutionService) GetAllPollData(ctx context.Context) ([]api.PollData, error) {
	detail, err := s.queues.QueuesDetail(ctx)
	if err != nil {
		return nil, err
	}
	var all []api.PollData
	for name := range detail {
		if name != queue.WithoutDomain(name) {
			continue
		}
		data, err := s.execution.PollData(ctx, name)
		if err != nil {
			s.logger.ErrorContext(ctx, "skipping poll data",
				slog.String("queue", name), slog.Any("error", err))
			continue
		}
		all = append(all, data...)
	}
	return all, nil
}
