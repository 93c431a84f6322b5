// Package maestro provides an embeddable workflow orchestration core for Go.
//
// Maestro executes directed-graph workflow definitions against persisted
// runtime state. It is built around a small number of components that
// together advance workflow execution safely under concurrent workers.
//
// # Core Concepts
//
//  1. Decider
//  2. Executor
//  3. ExecutionService
//  4. Queue
//  5. Worker
//
// The Decider is a pure evaluator: given a workflow snapshot and its
// definition it decides which tasks to schedule, retry, time out or
// complete. It never writes; its outcome is persisted by the Executor,
// which serializes decisions per workflow id.
//
// The ExecutionService is the worker-facing API: workers long-poll for
// tasks of their type, report results, acknowledge deliveries and append
// execution logs. Task ids travel through named FIFO queues with per-item
// visibility delays and an unacked holding area, so a crashed worker's
// tasks resurface on their own.
//
// # Backends
//
// Stores and queues sit behind interfaces with several implementations:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability for records and queues)
//   - Redis (shared queues for multi-process deployments)
//
// # Getting started
//
//	eng := maestro.NewInMemoryEngine()
//
//	_ = eng.RegisterTaskDef(&maestro.TaskDef{Name: "charge", RetryCount: 3})
//	_ = eng.RegisterWorkflowDef(&maestro.WorkflowDef{
//		Name:    "order",
//		Version: 1,
//		Tasks: []maestro.WorkflowTask{
//			{Name: "charge", ReferenceName: "charge_card"},
//			{Name: "ship", ReferenceName: "ship_order"},
//		},
//	})
//
//	id, _ := eng.StartWorkflow(ctx, "order", 1, input, "")
//
// Workers then poll eng.Service for tasks of their type and report results
// with UpdateTask; every reported result re-runs the Decider on the
// affected workflow. See LocalRunner for a bundled single-process setup
// with background sweepers.
package maestro
