// Package taskmesh provides a high-level façade over the core Engine and
// its service abstractions (worker registry, capability routing, swarm
// coordination, memory routing & logging) enabling rapid construction of
// multi-agent task systems. Most applications interact with this package by:
//  1. Creating a TaskMesh via New() (optionally overriding default in-memory stores)
//  2. Registering one or more workers (function-backed or LLM-backed)
//  3. Submitting task contracts asynchronously (Submit) or synchronously (SubmitSync)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply durable stores, real
// planning and validation collaborators, and a structured logger.
package taskmesh

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/memrouter"
)

// Options configures the TaskMesh instance.
type Options struct {
	// EngineConfig controls admission (capacity and budget ceilings).
	EngineConfig engine.Config

	// External collaborators; nil disables the corresponding behavior.
	Planner   core.Planner
	Validator core.Validator
	Arbiter   core.Arbiter
	Redactor  core.Redactor

	// Stores (defaults to in-memory implementations if not provided).
	SharedStore   core.SharedStore
	EpisodicStore core.EpisodicStore
	Cache         core.Cache

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// TaskMesh is the high-level façade aggregating the underlying engine and
// services.
type TaskMesh struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new TaskMesh instance with optional overrides. Any unset
// store is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *TaskMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Planner = opts.Planner
		o.Validator = opts.Validator
		o.Arbiter = opts.Arbiter
		o.Redactor = opts.Redactor
		o.SharedStore = opts.SharedStore
		o.EpisodicStore = opts.EpisodicStore
		o.Cache = opts.Cache
		o.Logger = opts.Logger
	})

	return &TaskMesh{opts: opts, engine: e}
}

// Start binds the mesh to ctx and launches background health sweeping.
func (m *TaskMesh) Start(ctx context.Context) { m.engine.Start(ctx) }

// RegisterWorker adds a worker to the capability registry.
func (m *TaskMesh) RegisterWorker(w core.Worker) error { return m.engine.RegisterWorker(w) }

// Heartbeat records a worker liveness signal with its current load.
func (m *TaskMesh) Heartbeat(workerID string, load int) error {
	return m.engine.Heartbeat(workerID, load)
}

// Memory exposes the memory router for episodic writes and query reads.
func (m *TaskMesh) Memory() *memrouter.Router { return m.engine.Memory() }

// Submit admits a contract and starts its execution asynchronously,
// returning the task id for Status, Cancel, and Wait.
func (m *TaskMesh) Submit(ctx context.Context, contract *core.TaskContract) (string, error) {
	return m.engine.Submit(ctx, contract)
}

// SubmitSync is a synchronous helper that submits the contract and blocks
// until the task reaches a terminal state or ctx expires.
func (m *TaskMesh) SubmitSync(ctx context.Context, contract *core.TaskContract) (core.TaskStatus, error) {
	taskID, err := m.engine.Submit(ctx, contract)
	if err != nil {
		return core.TaskStatus{}, err
	}
	return m.engine.Wait(ctx, taskID)
}

// Status returns a point-in-time snapshot of the task's progress.
func (m *TaskMesh) Status(taskID string) (core.TaskStatus, error) {
	return m.engine.Status(taskID)
}

// Stats reports current task and worker counts for health probes.
func (m *TaskMesh) Stats() engine.Stats { return m.engine.Stats() }

// Cancel requests cooperative cancellation of a running task.
func (m *TaskMesh) Cancel(taskID string) error { return m.engine.Cancel(taskID) }

// Wait blocks until the task reaches a terminal state or ctx expires.
func (m *TaskMesh) Wait(ctx context.Context, taskID string) (core.TaskStatus, error) {
	return m.engine.Wait(ctx, taskID)
}
