// Package worker provides a small polling client for executing tasks
// against the engine's worker API.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/maestro/pkg/api"
)

// TaskService is the slice of the worker API a Worker needs.
type TaskService interface {
	PollOne(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*api.Task, error)
	Ack(ctx context.Context, taskID string) (bool, error)
	UpdateTask(ctx context.Context, result *api.TaskResult) error
}

// Handler executes one polled task and returns its output. A nil error
// completes the task; an error fails it with the error text as the reason.
type Handler func(ctx context.Context, t *api.Task) (map[string]any, error)

// Worker polls one task type and executes tasks with a Handler.
type Worker struct {
	service  TaskService
	taskType string
	workerID string
	domain   string
	timeout  time.Duration
	handler  Handler
	logger   *slog.Logger
}

// New creates a Worker with a one-second poll timeout.
func New(service TaskService, taskType, workerID string, handler Handler) *Worker {
	return &Worker{
		service:  service,
		taskType: taskType,
		workerID: workerID,
		timeout:  time.Second,
		handler:  handler,
		logger:   slog.Default(),
	}
}

// WithDomain scopes the worker's polls to a domain.
func (w *Worker) WithDomain(domain string) *Worker {
	w.domain = domain
	return w
}

// WithPollTimeout sets the long-poll duration. Values outside (0, 5s] are
// ignored.
func (w *Worker) WithPollTimeout(timeout time.Duration) *Worker {
	if timeout > 0 && timeout <= 5*time.Second {
		w.timeout = timeout
	}
	return w
}

// WithLogger sets the logger.
func (w *Worker) WithLogger(logger *slog.Logger) *Worker {
	if logger != nil {
		w.logger = logger
	}
	return w
}

// ProcessOne polls for a single task and, when one arrives, acks it, runs
// the handler and reports the result.
// Returns (processed, error):
//   - processed == false, err == nil: nothing was available.
//   - processed == true: a task was handled; err reports update failures.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	t, err := w.service.PollOne(ctx, w.taskType, w.workerID, w.domain, w.timeout)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	if _, err := w.service.Ack(ctx, t.ID); err != nil {
		return true, err
	}

	result := &api.TaskResult{
		TaskID:     t.ID,
		WorkflowID: t.WorkflowID,
		WorkerID:   w.workerID,
	}

	output, handlerErr := w.handler(ctx, t)
	if handlerErr != nil {
		result.Status = api.ResultFailed
		result.ReasonForIncompletion = handlerErr.Error()
	} else {
		result.Status = api.ResultCompleted
		result.Output = output
	}

	if err := w.service.UpdateTask(ctx, result); err != nil {
		return true, err
	}
	return true, handlerErr
}

// Run polls in a loop until the context is cancelled. Handler errors are
// logged and the loop keeps going; only context cancellation stops it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logger.ErrorContext(ctx, "worker error",
				slog.String("task_type", w.taskType),
				slog.String("worker_id", w.workerID),
				slog.Any("error", err))
			continue
		}
		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}
