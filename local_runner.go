package maestro

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/maestro/pkg/worker"
)

// LocalRunner bundles an in-memory Engine with the background loops a
// deployment normally schedules itself: the requeue sweep that resurfaces
// stale tasks, the unack processor that restores expired deliveries, and
// the periodic decide sweep that enforces lazy task timeouts.
//
// Typical usage:
//
//	runner := maestro.NewLocalRunner()
//	_ = runner.Engine.RegisterWorkflowDef(def)
//
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	_ = runner.StartWorker(ctx, "charge", "worker-1", handler)
//	id, _ := runner.Engine.StartWorkflow(ctx, "order", 1, input, "")
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine *Engine

	// SweepInterval paces the background loops. Defaults to one second.
	SweepInterval time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{
		Engine:        NewInMemoryEngine(),
		SweepInterval: time.Second,
		logger:        slog.Default(),
	}
}

// Start launches the background loops. Calling Start on a running runner
// returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("maestro: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
	return nil
}

// sweepLoop periodically requeues stale tasks, restores expired unacked
// deliveries and re-decides running workflows. Without the decide sweep,
// starved workflows would never observe their task timeouts.
func (r *LocalRunner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := r.Engine.Service.RequeuePendingTasks(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("requeue sweep failed", slog.Any("error", err))
		}
		if err := r.Engine.Service.ProcessUnacks(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("unack sweep failed", slog.Any("error", err))
		}
		r.decideSweep(ctx)
	}
}

func (r *LocalRunner) decideSweep(ctx context.Context) {
	defs, err := r.Engine.metadata.AllWorkflowDefs()
	if err != nil {
		r.logger.Error("decide sweep failed", slog.Any("error", err))
		return
	}
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if _, ok := seen[def.Name]; ok {
			continue
		}
		seen[def.Name] = struct{}{}

		ids, err := r.Engine.Service.RunningWorkflowIDs(ctx, def.Name)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if err := r.Engine.Executor.Decide(ctx, id); err != nil && ctx.Err() == nil {
				r.logger.Error("decide sweep failed",
					slog.String("workflow_id", id), slog.Any("error", err))
			}
		}
	}
}

// StartWorker runs a polling worker for a task type until Stop. The runner
// must have been started.
func (r *LocalRunner) StartWorker(ctx context.Context, taskType, workerID string, handler worker.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return errors.New("maestro: LocalRunner not started")
	}

	w := worker.New(r.Engine.Service, taskType, workerID, handler).
		WithPollTimeout(100 * time.Millisecond)

	workerCtx, cancel := context.WithCancel(ctx)
	prev := r.cancel
	r.cancel = func() {
		cancel()
		prev()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(workerCtx)
	}()
	return nil
}

// Stop cancels the background loops and workers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
