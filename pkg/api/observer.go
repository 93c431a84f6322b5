package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PayloadKind names the payload slot an external-storage operation acted on.
type PayloadKind string

const (
	PayloadWorkflowInput  PayloadKind = "WORKFLOW_INPUT"
	PayloadWorkflowOutput PayloadKind = "WORKFLOW_OUTPUT"
	PayloadTaskInput      PayloadKind = "TASK_INPUT"
	PayloadTaskOutput     PayloadKind = "TASK_OUTPUT"
)

// PayloadOp is the direction of an external-storage operation.
type PayloadOp string

const (
	PayloadRead  PayloadOp = "READ"
	PayloadWrite PayloadOp = "WRITE"
)

// Observer receives callbacks from the orchestration engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow evaluation.
type Observer interface {
	// OnWorkflowStart is called once when a workflow instance is created.
	OnWorkflowStart(ctx context.Context, w *Workflow)

	// OnWorkflowCompleted is called when an instance reaches COMPLETED.
	OnWorkflowCompleted(ctx context.Context, w *Workflow)

	// OnWorkflowTerminated is called for FAILED, TIMED_OUT and TERMINATED.
	OnWorkflowTerminated(ctx context.Context, w *Workflow)

	// OnTaskScheduled is called for every task emitted for scheduling.
	OnTaskScheduled(ctx context.Context, t *Task)

	// OnTaskPoll is called once per poll request against a queue.
	OnTaskPoll(ctx context.Context, queueName string)

	// OnQueueWait reports the time a task spent queued before its first poll.
	OnQueueWait(ctx context.Context, taskDefName string, wait time.Duration)

	// OnTaskTimeout is called when a task exceeds its execution timeout.
	OnTaskTimeout(ctx context.Context, t *Task)

	// OnTaskResponseTimeout is called when a polled task goes unreported
	// past its response timeout.
	OnTaskResponseTimeout(ctx context.Context, taskDefName string)

	// OnTaskRetry is called when the decider produces a retry attempt.
	OnTaskRetry(ctx context.Context, t *Task, retryCount int)

	// OnPayloadUsage records an external payload storage operation.
	OnPayloadUsage(ctx context.Context, name string, op PayloadOp, kind PayloadKind)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, w *Workflow)                    {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow)                {}
func (NoopObserver) OnWorkflowTerminated(ctx context.Context, w *Workflow)               {}
func (NoopObserver) OnTaskScheduled(ctx context.Context, t *Task)                        {}
func (NoopObserver) OnTaskPoll(ctx context.Context, queueName string)                    {}
func (NoopObserver) OnQueueWait(ctx context.Context, name string, wait time.Duration)    {}
func (NoopObserver) OnTaskTimeout(ctx context.Context, t *Task)                          {}
func (NoopObserver) OnTaskResponseTimeout(ctx context.Context, name string)              {}
func (NoopObserver) OnTaskRetry(ctx context.Context, t *Task, retryCount int)            {}
func (NoopObserver) OnPayloadUsage(ctx context.Context, n string, o PayloadOp, k PayloadKind) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, w *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, w)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, w)
	}
}

func (c *CompositeObserver) OnWorkflowTerminated(ctx context.Context, w *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowTerminated(ctx, w)
	}
}

func (c *CompositeObserver) OnTaskScheduled(ctx context.Context, t *Task) {
	for _, o := range c.observers {
		o.OnTaskScheduled(ctx, t)
	}
}

func (c *CompositeObserver) OnTaskPoll(ctx context.Context, queueName string) {
	for _, o := range c.observers {
		o.OnTaskPoll(ctx, queueName)
	}
}

func (c *CompositeObserver) OnQueueWait(ctx context.Context, name string, wait time.Duration) {
	for _, o := range c.observers {
		o.OnQueueWait(ctx, name, wait)
	}
}

func (c *CompositeObserver) OnTaskTimeout(ctx context.Context, t *Task) {
	for _, o := range c.observers {
		o.OnTaskTimeout(ctx, t)
	}
}

func (c *CompositeObserver) OnTaskResponseTimeout(ctx context.Context, name string) {
	for _, o := range c.observers {
		o.OnTaskResponseTimeout(ctx, name)
	}
}

func (c *CompositeObserver) OnTaskRetry(ctx context.Context, t *Task, retryCount int) {
	for _, o := range c.observers {
		o.OnTaskRetry(ctx, t, retryCount)
	}
}

func (c *CompositeObserver) OnPayloadUsage(ctx context.Context, n string, op PayloadOp, k PayloadKind) {
	for _, o := range c.observers {
		o.OnPayloadUsage(ctx, n, op, k)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs orchestration lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, w *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", w.Name),
		slog.String("workflow_id", w.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", w.Name),
		slog.String("workflow_id", w.ID),
	)
}

func (o *LoggingObserver) OnWorkflowTerminated(ctx context.Context, w *Workflow) {
	o.Logger.ErrorContext(ctx, "workflow_terminated",
		slog.String("workflow", w.Name),
		slog.String("workflow_id", w.ID),
		slog.String("status", string(w.Status)),
		slog.String("reason", w.ReasonForIncompletion),
	)
}

func (o *LoggingObserver) OnTaskScheduled(ctx context.Context, t *Task) {
	o.Logger.DebugContext(ctx, "task_scheduled",
		slog.String("task_id", t.ID),
		slog.String("ref", t.ReferenceName),
		slog.String("type", string(t.Type)),
		slog.String("workflow_id", t.WorkflowID),
	)
}

func (o *LoggingObserver) OnTaskPoll(ctx context.Context, queueName string) {
	o.Logger.DebugContext(ctx, "task_poll", slog.String("queue", queueName))
}

func (o *LoggingObserver) OnQueueWait(ctx context.Context, name string, wait time.Duration) {
	o.Logger.DebugContext(ctx, "queue_wait",
		slog.String("task_def", name),
		slog.Duration("wait", wait),
	)
}

func (o *LoggingObserver) OnTaskTimeout(ctx context.Context, t *Task) {
	o.Logger.WarnContext(ctx, "task_timeout",
		slog.String("task_id", t.ID),
		slog.String("task_def", t.DefName),
		slog.String("workflow_id", t.WorkflowID),
	)
}

func (o *LoggingObserver) OnTaskResponseTimeout(ctx context.Context, name string) {
	o.Logger.WarnContext(ctx, "task_response_timeout", slog.String("task_def", name))
}

func (o *LoggingObserver) OnTaskRetry(ctx context.Context, t *Task, retryCount int) {
	o.Logger.InfoContext(ctx, "task_retry",
		slog.String("task_id", t.ID),
		slog.String("task_def", t.DefName),
		slog.Int("retry_count", retryCount),
	)
}

func (o *LoggingObserver) OnPayloadUsage(ctx context.Context, n string, op PayloadOp, k PayloadKind) {
	o.Logger.DebugContext(ctx, "payload_usage",
		slog.String("name", n),
		slog.String("op", string(op)),
		slog.String("kind", string(k)),
	)
}

// BasicMetrics collects simple counters for the orchestration hot paths.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsTerminated atomic.Int64
	tasksScheduled      atomic.Int64
	taskPolls           atomic.Int64
	taskTimeouts        atomic.Int64
	responseTimeouts    atomic.Int64
	taskRetries         atomic.Int64
	totalQueueWait      atomic.Int64 // nanoseconds
	queueWaitSamples    atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted    int64
	WorkflowsCompleted  int64
	WorkflowsTerminated int64
	RunningWorkflows    int64

	TasksScheduled   int64
	TaskPolls        int64
	TaskTimeouts     int64
	ResponseTimeouts int64
	TaskRetries      int64
	AvgQueueWait     time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, w *Workflow) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowTerminated(ctx context.Context, w *Workflow) {
	m.workflowsTerminated.Add(1)
}

func (m *BasicMetrics) OnTaskScheduled(ctx context.Context, t *Task) {
	m.tasksScheduled.Add(1)
}

func (m *BasicMetrics) OnTaskPoll(ctx context.Context, queueName string) {
	m.taskPolls.Add(1)
}

func (m *BasicMetrics) OnQueueWait(ctx context.Context, name string, wait time.Duration) {
	m.totalQueueWait.Add(wait.Nanoseconds())
	m.queueWaitSamples.Add(1)
}

func (m *BasicMetrics) OnTaskTimeout(ctx context.Context, t *Task) {
	m.taskTimeouts.Add(1)
}

func (m *BasicMetrics) OnTaskResponseTimeout(ctx context.Context, name string) {
	m.responseTimeouts.Add(1)
}

func (m *BasicMetrics) OnTaskRetry(ctx context.Context, t *Task, retryCount int) {
	m.taskRetries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	terminated := m.workflowsTerminated.Load()
	samples := m.queueWaitSamples.Load()
	totalNs := m.totalQueueWait.Load()

	var avg time.Duration
	if samples > 0 {
		avg = time.Duration(totalNs / samples)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsTerminated: terminated,
		RunningWorkflows:    started - completed - terminated,
		TasksScheduled:      m.tasksScheduled.Load(),
		TaskPolls:           m.taskPolls.Load(),
		TaskTimeouts:        m.taskTimeouts.Load(),
		ResponseTimeouts:    m.responseTimeouts.Load(),
		TaskRetries:         m.taskRetries.Load(),
		AvgQueueWait:        avg,
	}
}
