package maestro

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/maestro/internal/config"
	"github.com/petrijr/maestro/internal/decider"
	"github.com/petrijr/maestro/internal/engine"
	"github.com/petrijr/maestro/internal/params"
	"github.com/petrijr/maestro/internal/payload"
	"github.com/petrijr/maestro/internal/queue"
	"github.com/petrijr/maestro/internal/store"
	"github.com/petrijr/maestro/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task           = api.Task
	TaskDef        = api.TaskDef
	TaskResult     = api.TaskResult
	TaskExecLog    = api.TaskExecLog
	TaskStatus     = api.TaskStatus
	TaskType       = api.TaskType
	Workflow       = api.Workflow
	WorkflowDef    = api.WorkflowDef
	WorkflowTask   = api.WorkflowTask
	WorkflowStatus = api.WorkflowStatus

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Executor drives workflows; ExecutionService is the worker-facing API.
	Executor         = engine.Executor
	ExecutionService = engine.ExecutionService

	// Config exposes the enumerated configuration keys.
	Config = config.Config

	// Queue is the abstract task queue; MetadataStore, ExecutionStore and
	// IndexStore are the persistence boundaries.
	Queue          = queue.Queue
	MetadataStore  = store.MetadataStore
	ExecutionStore = store.ExecutionStore
	IndexStore     = store.IndexStore
	PayloadStorage = payload.Storage
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	WorkflowRunning    = api.WorkflowRunning
	WorkflowPaused     = api.WorkflowPaused
	WorkflowCompleted  = api.WorkflowCompleted
	WorkflowFailed     = api.WorkflowFailed
	WorkflowTimedOut   = api.WorkflowTimedOut
	WorkflowTerminated = api.WorkflowTerminated

	TaskScheduled  = api.TaskScheduled
	TaskInProgress = api.TaskInProgress
	TaskCompleted  = api.TaskCompleted
	TaskFailed     = api.TaskFailed
	TaskTimedOut   = api.TaskTimedOut
)

// Engine bundles the executor and the execution service over one set of
// backends.
type Engine struct {
	Executor *Executor
	Service  *ExecutionService

	metadata store.MetadataStore
}

// Options selects the backends an Engine runs on. Nil fields fall back to
// in-memory implementations.
type Options struct {
	Metadata  store.MetadataStore
	Execution store.ExecutionStore
	Index     store.IndexStore
	Queue     queue.Queue
	Payloads  payload.Storage
	Config    *config.Config
	Observer  api.Observer
	Logger    *slog.Logger
}

// NewEngine wires an Engine from the given backends.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New()
	}
	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mem := store.NewMemoryStore()
	metadata := opts.Metadata
	if metadata == nil {
		metadata = mem
	}
	execution := opts.Execution
	if execution == nil {
		execution = mem
	}
	index := opts.Index
	if index == nil {
		index = mem
	}
	q := opts.Queue
	if q == nil {
		q = queue.NewMemoryQueue(cfg.QueueVisibilityTimeout())
	}
	payloads := opts.Payloads
	if payloads == nil {
		payloads = payload.NewMemoryStorage()
	}

	gateway := payload.NewGateway(payloads, cfg, obs)
	resolver := params.New()
	mappers := decider.NewMapperRegistry()
	d := decider.New(metadata, q, resolver, mappers, gateway,
		decider.WithObserver(obs), decider.WithLogger(logger))
	executor := engine.NewExecutor(metadata, execution, index, q, d, gateway,
		engine.WithExecutorObserver(obs), engine.WithExecutorLogger(logger))
	service := engine.NewExecutionService(executor, metadata, execution, index, q, cfg,
		engine.WithServiceObserver(obs), engine.WithServiceLogger(logger))

	return &Engine{Executor: executor, Service: service, metadata: metadata}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores
// and queues.
func NewInMemoryEngine() *Engine {
	return NewEngine(Options{})
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) *Engine {
	return NewEngine(Options{Observer: obs})
}

// NewSQLiteEngine returns an Engine that persists runtime records and queue
// state in a SQLite database. Definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	cfg := config.New()
	execution, err := store.NewSQLiteExecutionStore(db)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewSQLiteQueue(db, cfg.QueueVisibilityTimeout())
	if err != nil {
		return nil, err
	}
	return NewEngine(Options{Execution: execution, Queue: q, Config: cfg}), nil
}

// NewRedisEngine returns an Engine whose queues live in Redis; stores stay
// in-memory.
func NewRedisEngine(client *redis.Client) *Engine {
	cfg := config.New()
	q := queue.NewRedisQueue(client, cfg.QueuePrefix(), cfg.QueueVisibilityTimeout())
	return NewEngine(Options{Queue: q, Config: cfg})
}

// RegisterWorkflowDef registers a workflow definition.
func (e *Engine) RegisterWorkflowDef(def *WorkflowDef) error {
	if def.Name == "" {
		return api.NewInvalidInputError("workflow definition name is required")
	}
	if len(def.Tasks) == 0 {
		return api.NewInvalidInputError("workflow definition must have at least one task")
	}
	return e.metadata.SaveWorkflowDef(def)
}

// RegisterTaskDef registers a task definition.
func (e *Engine) RegisterTaskDef(def *TaskDef) error {
	if def.Name == "" {
		return api.NewInvalidInputError("task definition name is required")
	}
	return e.metadata.SaveTaskDef(def)
}

// StartWorkflow creates and decides a new workflow instance; a non-positive
// version selects the latest registered definition.
func (e *Engine) StartWorkflow(ctx context.Context, name string, version int, input map[string]any, correlationID string) (string, error) {
	return e.Executor.StartWorkflow(ctx, name, version, input, correlationID)
}
