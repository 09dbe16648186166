package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/memory"
	"github.com/hupe1980/taskmesh/memrouter"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/router"
	"github.com/hupe1980/taskmesh/swarm"
	"github.com/hupe1980/taskmesh/task"
)

// Config defines tuning parameters for the engine's admission behavior.
type Config struct {
	// MaxConcurrentTasks limits how many tasks may execute simultaneously.
	// Submissions beyond the limit are rejected at admission; critical
	// priority bypasses the limit. Set to 0 for unlimited.
	MaxConcurrentTasks int

	// MaxCostUSD is the per-task budget ceiling. A contract declaring a
	// higher MaxCostUSD is rejected at admission. Zero means no ceiling.
	MaxCostUSD float64

	// MaxTokens is the per-task token ceiling. Zero means no ceiling.
	MaxTokens int
}

// DefaultConfig provides conservative admission defaults.
var DefaultConfig = Config{
	MaxConcurrentTasks: 10,
}

// Options configures an Engine instance using the functional options
// pattern. All stores have in-memory defaults; the planner defaults to a
// single-step passthrough so the engine works out of the box.
type Options struct {
	Config     Config
	TaskConfig task.Config

	// External collaborators. Validator, Arbiter, and Redactor may be nil,
	// in which case validation, tie-break escalation, and redaction are
	// skipped respectively.
	Planner   core.Planner
	Validator core.Validator
	Arbiter   core.Arbiter
	Redactor  core.Redactor

	// Memory backends. Defaults are in-memory implementations.
	SharedStore   core.SharedStore
	EpisodicStore core.EpisodicStore
	Cache         core.Cache

	RegistryConfig registry.Config
	RouterConfig   router.Config
	SwarmConfig    swarm.Config

	Logger logging.Logger
}

// Engine coordinates workers, memory, and task state machines.
type Engine struct {
	registry    *registry.Registry
	router      *router.Router
	coordinator *swarm.Coordinator
	memory      *memrouter.Router
	planner     core.Planner
	validator   core.Validator
	logger      logging.Logger
	config      Config
	taskCfg     task.Config

	mu       sync.RWMutex
	machines map[string]*task.Machine
	active   int

	baseCtx context.Context
}

// New creates an Engine with in-memory defaults. The returned engine is
// immediately ready for worker registration and task submission; call Start
// to enable background health sweeping and scoped shutdown.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:         DefaultConfig,
		TaskConfig:     task.DefaultConfig,
		RegistryConfig: registry.DefaultConfig,
		RouterConfig:   router.DefaultConfig,
		SwarmConfig:    swarm.DefaultConfig,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SharedStore == nil {
		opts.SharedStore = memory.NewInMemorySharedStore()
	}
	if opts.EpisodicStore == nil {
		opts.EpisodicStore = memory.NewInMemoryEpisodicStore()
	}
	if opts.Cache == nil {
		opts.Cache = memory.NewInMemoryCache()
	}
	if opts.Planner == nil {
		opts.Planner = passthroughPlanner{}
	}

	reg := registry.New(
		registry.WithConfig(opts.RegistryConfig),
		registry.WithLogger(opts.Logger),
	)
	rt := router.New(reg,
		router.WithConfig(opts.RouterConfig),
		router.WithLogger(opts.Logger),
	)
	coord := swarm.New(reg,
		swarm.WithConfig(opts.SwarmConfig),
		swarm.WithArbiter(opts.Arbiter),
		swarm.WithLogger(opts.Logger),
	)
	mem := memrouter.New(opts.SharedStore, opts.EpisodicStore, opts.Cache,
		memrouter.WithRedactor(opts.Redactor),
		memrouter.WithLogger(opts.Logger),
	)

	return &Engine{
		registry:    reg,
		router:      rt,
		coordinator: coord,
		memory:      mem,
		planner:     opts.Planner,
		validator:   opts.Validator,
		logger:      opts.Logger,
		config:      opts.Config,
		taskCfg:     opts.TaskConfig,
		machines:    map[string]*task.Machine{},
		baseCtx:     context.Background(),
	}
}

// WithConfig overrides the admission configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithTaskConfig overrides per-task execution defaults.
func WithTaskConfig(cfg task.Config) func(o *Options) {
	return func(o *Options) { o.TaskConfig = cfg }
}

// WithPlanner sets the external planning collaborator.
func WithPlanner(p core.Planner) func(o *Options) {
	return func(o *Options) { o.Planner = p }
}

// WithValidator sets the external validation collaborator.
func WithValidator(v core.Validator) func(o *Options) {
	return func(o *Options) { o.Validator = v }
}

// WithArbiter sets the swarm tie-break escalation target.
func WithArbiter(a core.Arbiter) func(o *Options) {
	return func(o *Options) { o.Arbiter = a }
}

// WithRedactor sets the content filter applied to shared memory reads.
func WithRedactor(r core.Redactor) func(o *Options) {
	return func(o *Options) { o.Redactor = r }
}

// WithSharedStore sets the shared knowledge backend.
func WithSharedStore(s core.SharedStore) func(o *Options) {
	return func(o *Options) { o.SharedStore = s }
}

// WithEpisodicStore sets the per-worker episodic backend.
func WithEpisodicStore(s core.EpisodicStore) func(o *Options) {
	return func(o *Options) { o.EpisodicStore = s }
}

// WithCache sets the memory cache.
func WithCache(c core.Cache) func(o *Options) {
	return func(o *Options) { o.Cache = c }
}

// WithLogger sets the structured logger used by all components.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Start binds the engine to ctx and launches the registry health sweeper.
// Cancelling ctx stops the sweeper and cancels every task submitted after
// the call.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	go e.registry.Run(ctx)
}

// RegisterWorker adds a worker to the capability registry.
func (e *Engine) RegisterWorker(w core.Worker) error {
	return e.registry.Register(w)
}

// Heartbeat records a worker liveness signal with its current load.
func (e *Engine) Heartbeat(workerID string, load int) error {
	return e.registry.Heartbeat(workerID, load)
}

// Registry exposes the capability registry for inspection.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Memory exposes the memory router, the only sanctioned access path to
// stored knowledge for workers and operators.
func (e *Engine) Memory() *memrouter.Router { return e.memory }

// Submit admits a contract and starts its state machine. Admission failures
// (empty goal, budget over the engine ceiling, capacity exhausted) reject
// the task with no side effects: nothing is recorded and no worker sees the
// request. The returned id identifies the task for Status, Cancel, and Wait.
func (e *Engine) Submit(ctx context.Context, contract *core.TaskContract) (string, error) {
	if contract == nil {
		return "", fmt.Errorf("engine: nil contract")
	}
	if err := contract.ValidateGoal(); err != nil {
		return "", err
	}
	if contract.State != "" && contract.State != core.TaskPending {
		return "", fmt.Errorf("engine: contract in state %q: %w", contract.State, core.ErrTaskTerminal)
	}
	if e.config.MaxCostUSD > 0 && contract.Budget.MaxCostUSD > e.config.MaxCostUSD {
		return "", fmt.Errorf("cost %.2f exceeds ceiling %.2f: %w", contract.Budget.MaxCostUSD, e.config.MaxCostUSD, core.ErrBudgetExceeded)
	}
	if e.config.MaxTokens > 0 && contract.Budget.MaxTokens > e.config.MaxTokens {
		return "", fmt.Errorf("token budget %d exceeds ceiling %d: %w", contract.Budget.MaxTokens, e.config.MaxTokens, core.ErrBudgetExceeded)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	atCapacity := e.config.MaxConcurrentTasks > 0 && e.active >= e.config.MaxConcurrentTasks
	if atCapacity && contract.Priority != core.PriorityCritical {
		return "", fmt.Errorf("engine at %d concurrent tasks: %w", e.active, core.ErrBudgetExceeded)
	}

	if contract.ID == "" {
		contract.ID = core.NewID()
	}
	if contract.State == "" {
		contract.State = core.TaskPending
	}
	if _, exists := e.machines[contract.ID]; exists {
		return "", fmt.Errorf("engine: task %s already submitted", contract.ID)
	}

	m := task.NewMachine(contract, task.Deps{
		Planner:   e.planner,
		Validator: e.validator,
		Router:    e.router,
		Swarm:     e.coordinator,
		Memory:    e.memory,
		Coverage:  e.registry,
		Logger:    e.logger,
	}, e.taskCfg)

	e.machines[contract.ID] = m
	e.active++
	runCtx := e.baseCtx

	go func() {
		m.Run(runCtx)
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	e.logger.Info("task admitted", "task_id", contract.ID, "priority", string(contract.Priority))
	return contract.ID, nil
}

// Status returns a point-in-time snapshot of the task's progress.
func (e *Engine) Status(taskID string) (core.TaskStatus, error) {
	m, err := e.machine(taskID)
	if err != nil {
		return core.TaskStatus{}, err
	}
	return m.Status(), nil
}

// Cancel requests cooperative cancellation of a running task.
func (e *Engine) Cancel(taskID string) error {
	m, err := e.machine(taskID)
	if err != nil {
		return err
	}
	return m.Cancel()
}

// Wait blocks until the task reaches a terminal state or ctx expires, and
// returns the final status.
func (e *Engine) Wait(ctx context.Context, taskID string) (core.TaskStatus, error) {
	m, err := e.machine(taskID)
	if err != nil {
		return core.TaskStatus{}, err
	}
	select {
	case <-m.Done():
		return m.Status(), nil
	case <-ctx.Done():
		return core.TaskStatus{}, ctx.Err()
	}
}

// Contract returns the full contract for audit. The plan and step results
// are preserved even for failed tasks.
func (e *Engine) Contract(taskID string) (*core.TaskContract, error) {
	m, err := e.machine(taskID)
	if err != nil {
		return nil, err
	}
	return m.Contract(), nil
}

// Stats is a point-in-time health snapshot of the engine.
type Stats struct {
	ActiveTasks      int `json:"active_tasks"`
	TotalTasks       int `json:"total_tasks"`
	Workers          int `json:"workers"`
	AvailableWorkers int `json:"available_workers"`
}

// Stats reports current task and worker counts, suitable for health and
// readiness probes.
func (e *Engine) Stats() Stats {
	records := e.registry.Snapshot()
	available := 0
	for _, rec := range records {
		if rec.Available {
			available++
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		ActiveTasks:      e.active,
		TotalTasks:       len(e.machines),
		Workers:          len(records),
		AvailableWorkers: available,
	}
}

func (e *Engine) machine(taskID string) (*task.Machine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrTaskNotFound)
	}
	return m, nil
}

// passthroughPlanner produces a one-step plan routing the whole goal to a
// generate-capable worker. It is the default when no planning collaborator
// is configured.
type passthroughPlanner struct{}

func (passthroughPlanner) BuildPlan(_ context.Context, req core.PlanRequest) (*core.Plan, error) {
	return &core.Plan{
		TaskID: req.TaskID,
		Steps: []*core.Step{{
			ID:         "goal",
			Capability: core.CapabilityGenerate,
			Input: map[string]any{
				"goal":        req.Goal,
				"constraints": req.Constraints,
			},
		}},
	}, nil
}
