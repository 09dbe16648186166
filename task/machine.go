// Package task implements the task lifecycle state machine.
//
// A Machine exclusively owns one TaskContract and drives it through
// PENDING -> PLANNING -> EXECUTING -> VALIDATING -> COMPLETED, with terminal
// FAILED and CANCELLED reachable from any non-terminal state and a
// short-circuit PENDING -> COMPLETED on a memory hit. Steps whose
// dependencies are independently satisfied execute concurrently; each step
// is routed to a single worker or fanned out to a swarm, and accepted
// results are integrated into shared memory through the memory router,
// serialized per task. Task instances are independent: no mutable state is
// shared between machines other than the memory router's stores.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/swarm"
)

// Dispatcher is the single-worker dispatch surface (the capability router).
type Dispatcher interface {
	Dispatch(ctx context.Context, req core.DispatchRequest, maxAttempts int, timeout time.Duration) (core.DispatchResponse, error)
}

// SwarmExecutor is the parallel fan-out surface (the swarm coordinator).
type SwarmExecutor interface {
	Execute(ctx context.Context, req core.DispatchRequest, fanout int, policy core.AggregationPolicy, deadline time.Duration) (swarm.Outcome, *swarm.Ballot, error)
}

// MemoryGateway is the memory router surface the machine integrates through.
type MemoryGateway interface {
	LookupResult(ctx context.Context, fingerprint string) (core.TaskResult, bool)
	StoreResult(ctx context.Context, fingerprint string, result core.TaskResult) error
	IntegrateShared(ctx context.Context, entries []core.MemoryEntry) error
}

// Config tunes per-task execution behavior.
type Config struct {
	// StepRetry is the default retry schedule for steps that declare no
	// attempt budget of their own.
	StepRetry core.RetryPolicy
	// DefaultStepTimeout bounds a step attempt when neither the step nor
	// the task budget says otherwise.
	DefaultStepTimeout time.Duration
	// MaxRepairAttempts bounds re-execution rounds after a validation
	// rejection before the task fails.
	MaxRepairAttempts int
}

// DefaultConfig provides conservative execution defaults.
var DefaultConfig = Config{
	StepRetry:          core.DefaultRetryPolicy,
	DefaultStepTimeout: 60 * time.Second,
	MaxRepairAttempts:  2,
}

// Deps bundles the collaborators a machine drives.
type Deps struct {
	Planner   core.Planner
	Validator core.Validator
	Router    Dispatcher
	Swarm     SwarmExecutor
	Memory    MemoryGateway
	Coverage  CoverageSource
	Logger    logging.Logger
}

// Machine is the live state machine instance for one task. Exactly one
// machine exists per task identity; all mutation of the contract and its
// plan happens on the machine's driving goroutine under its lock.
type Machine struct {
	mu       sync.Mutex
	contract *core.TaskContract
	feedback map[string]string // stepID -> repair feedback
	cancel   context.CancelFunc
	canceled bool
	done     chan struct{}

	deps Deps
	cfg  Config
}

// NewMachine creates a machine for the contract. The contract must be in
// the pending state; the machine takes exclusive ownership of it.
func NewMachine(contract *core.TaskContract, deps Deps, cfg Config) *Machine {
	if deps.Logger == nil {
		deps.Logger = logging.NoOpLogger{}
	}
	if cfg.StepRetry.MaxAttempts == 0 {
		cfg.StepRetry = DefaultConfig.StepRetry
	}
	if cfg.DefaultStepTimeout == 0 {
		cfg.DefaultStepTimeout = DefaultConfig.DefaultStepTimeout
	}
	return &Machine{
		contract: contract,
		feedback: map[string]string{},
		done:     make(chan struct{}),
		deps:     deps,
		cfg:      cfg,
	}
}

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Cancel requests cooperative cancellation: no new steps are dispatched,
// in-flight dispatches are signalled, and the task transitions to CANCELLED
// without persisting partial results as if completed. Cancelling a terminal
// task is a no-op.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contract.State.Terminal() {
		return fmt.Errorf("task %s: %w", m.contract.ID, core.ErrTaskTerminal)
	}
	m.canceled = true
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// Status returns a point-in-time snapshot of the task's progress.
func (m *Machine) Status() core.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := core.TaskStatus{
		TaskID:  m.contract.ID,
		State:   m.contract.State,
		Goal:    m.contract.Goal,
		Result:  m.contract.Result,
		Error:   m.contract.Error,
		Created: m.contract.Created,
		Updated: m.contract.Updated,
	}
	if m.contract.State.Terminal() {
		st.ProcessingTime = m.contract.Updated.Sub(m.contract.Created)
	}
	return st
}

// Contract returns the owned contract for audit after the machine is done.
// The partial plan and step results are preserved even on failure.
func (m *Machine) Contract() *core.TaskContract {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contract
}

// Run drives the task to a terminal state. It blocks until done and is
// called exactly once, typically on its own goroutine.
func (m *Machine) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m.mu.Lock()
	m.cancel = cancel
	alreadyCanceled := m.canceled
	m.mu.Unlock()
	defer close(m.done)

	if alreadyCanceled {
		m.terminate(core.TaskCancelled, nil)
		return
	}

	if err := m.drive(ctx); err != nil {
		if m.wasCanceled() || errors.Is(err, context.Canceled) {
			m.terminate(core.TaskCancelled, nil)
			return
		}
		m.terminate(core.TaskFailed, err)
	}
}

func (m *Machine) wasCanceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// drive executes the lifecycle stages in order. Any returned error is a
// task failure; nil means the machine already reached COMPLETED.
func (m *Machine) drive(ctx context.Context) error {
	fingerprint := core.Fingerprint(m.contract.Goal, m.contract.Constraints)

	// Memory short-circuit: an identical request inside the validity
	// window completes immediately with the cached result.
	if result, ok := m.deps.Memory.LookupResult(ctx, fingerprint); ok {
		m.mu.Lock()
		m.contract.Result = &result
		m.mu.Unlock()
		m.transition(core.TaskCompleted, "memory hit")
		return nil
	}

	if err := m.plan(ctx); err != nil {
		return err
	}
	if err := m.execute(ctx); err != nil {
		return err
	}

	result, err := m.validateAndRepair(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.contract.Result = &result
	m.mu.Unlock()

	if err := m.deps.Memory.StoreResult(ctx, fingerprint, result); err != nil {
		m.deps.Logger.Warn("result persistence failed", "task_id", m.contract.ID, "error", err)
	}
	m.transition(core.TaskCompleted, "")
	return nil
}

// plan obtains and validates the step DAG.
func (m *Machine) plan(ctx context.Context) error {
	m.transition(core.TaskPlanning, "")

	caps := []core.Capability{}
	if src, ok := m.deps.Coverage.(interface{ Capabilities() []core.Capability }); ok {
		caps = src.Capabilities()
	}
	plan, err := m.deps.Planner.BuildPlan(ctx, core.PlanRequest{
		TaskID:       m.contract.ID,
		Goal:         m.contract.Goal,
		Constraints:  m.contract.Constraints,
		Capabilities: caps,
	})
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	if err := ValidatePlan(plan, m.deps.Coverage); err != nil {
		return fmt.Errorf("plan validation: %w", err)
	}

	m.mu.Lock()
	plan.TaskID = m.contract.ID
	for _, s := range plan.Steps {
		if s.Status == "" {
			s.Status = core.StepQueued
		}
	}
	m.contract.Plan = plan
	m.mu.Unlock()
	return nil
}

// stepSpec is the immutable copy of a step handed to its executing
// goroutine so only the driving loop ever mutates plan state.
type stepSpec struct {
	id          string
	capability  core.Capability
	input       map[string]any
	feedback    string
	swarm       bool
	swarmSize   int
	aggregation core.AggregationPolicy
	timeout     time.Duration
	maxAttempts int
	attempt     int
}

// stepOutcome is the executing goroutine's report back to the loop.
type stepOutcome struct {
	stepID            string
	payload           any
	provenance        core.Provenance
	reducedConfidence bool
	err               error
}

// execute dispatches ready steps until the plan completes or a non-optional
// step exhausts its budget. Result integration happens on this goroutine,
// which serializes shared-memory writes per task.
func (m *Machine) execute(ctx context.Context) error {
	m.transition(core.TaskExecuting, "")
	return m.executePlan(ctx)
}

func (m *Machine) executePlan(ctx context.Context) error {
	m.mu.Lock()
	planSize := len(m.contract.Plan.Steps)
	m.mu.Unlock()

	outCh := make(chan stepOutcome, planSize)
	inFlight := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		m.cascadeBlocked()
		for _, s := range readySteps(m.contract.Plan) {
			s.Status = core.StepDispatched
			s.Attempts++
			spec := m.specFor(s)
			s.Status = core.StepRunning
			inFlight++
			go m.runStep(ctx, spec, outCh)
		}
		done, failErr := m.progressLocked()
		m.mu.Unlock()

		if failErr != nil && inFlight == 0 {
			return failErr
		}
		if done && inFlight == 0 {
			return nil
		}
		if inFlight == 0 {
			return fmt.Errorf("plan blocked with no runnable steps")
		}

		select {
		case out := <-outCh:
			inFlight--
			if err := m.applyOutcome(ctx, out); err != nil {
				// A failed shared-memory integration is a task
				// fault: results must not be silently dropped.
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// specFor snapshots a step for its goroutine. Caller holds m.mu.
func (m *Machine) specFor(s *core.Step) stepSpec {
	timeout := s.Timeout
	if timeout <= 0 {
		if m.contract.Budget.MaxLatency > 0 {
			timeout = m.contract.Budget.MaxLatency
		} else {
			timeout = m.cfg.DefaultStepTimeout
		}
	}
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.contract.Budget.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.StepRetry.MaxAttempts
	}
	return stepSpec{
		id:          s.ID,
		capability:  s.Capability,
		input:       s.Input,
		feedback:    m.feedback[s.ID],
		swarm:       s.Swarm,
		swarmSize:   s.SwarmSize,
		aggregation: s.Aggregation,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		attempt:     s.Attempts,
	}
}

// runStep executes one step attempt off the driving loop. Exactly one
// outcome is sent; the channel is buffered for the whole plan so the send
// never blocks a straggler past cancellation.
func (m *Machine) runStep(ctx context.Context, spec stepSpec, outCh chan<- stepOutcome) {
	if delay := m.cfg.StepRetry.Delay(spec.attempt); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			outCh <- stepOutcome{stepID: spec.id, err: ctx.Err()}
			return
		}
	}

	req := core.DispatchRequest{
		TaskID:     m.contract.ID,
		StepID:     spec.id,
		Capability: spec.capability,
		Input:      spec.input,
		Budget:     m.contract.Budget,
		Feedback:   spec.feedback,
	}

	if spec.swarm {
		outcome, _, err := m.deps.Swarm.Execute(ctx, req, spec.swarmSize, spec.aggregation, spec.timeout)
		if err != nil {
			outCh <- stepOutcome{stepID: spec.id, err: err}
			return
		}
		outCh <- stepOutcome{
			stepID:  spec.id,
			payload: outcome.Payload,
			provenance: core.Provenance{
				WorkerID:   outcome.WorkerID,
				Timestamp:  time.Now().UTC(),
				Confidence: outcome.Confidence,
			},
			reducedConfidence: outcome.ReducedConfidence,
		}
		return
	}

	resp, err := m.deps.Router.Dispatch(ctx, req, spec.maxAttempts, spec.timeout)
	if err != nil {
		outCh <- stepOutcome{stepID: spec.id, err: err}
		return
	}
	prov := resp.Provenance
	prov.Confidence = resp.Confidence
	outCh <- stepOutcome{stepID: spec.id, payload: resp.Payload, provenance: prov}
}

// applyOutcome folds a step outcome into the plan and integrates successful
// results into shared memory. Returns an error only for faults that must
// fail the task immediately (integration failures).
func (m *Machine) applyOutcome(ctx context.Context, out stepOutcome) error {
	m.mu.Lock()
	s := m.contract.Plan.StepByID(out.stepID)
	if s == nil {
		m.mu.Unlock()
		return nil
	}

	if out.err != nil {
		retryable := errors.Is(out.err, core.ErrSwarmNoQuorum) && s.Attempts < m.specFor(s).maxAttempts
		if retryable && ctx.Err() == nil {
			s.Status = core.StepRetrying
			m.mu.Unlock()
			m.deps.Logger.Warn("step retrying", "task_id", m.contract.ID, "step_id", s.ID, "attempt", s.Attempts, "error", out.err)
			return nil
		}
		s.Status = core.StepFailed
		m.contract.Updated = time.Now().UTC()
		m.mu.Unlock()
		m.deps.Logger.Warn("step failed", "task_id", m.contract.ID, "step_id", s.ID, "optional", s.Optional, "error", out.err)
		return nil
	}

	s.Status = core.StepSucceeded
	s.AssignedWorker = out.provenance.WorkerID
	s.Result = &core.StepResult{
		Payload:           out.payload,
		Provenance:        out.provenance,
		ReducedConfidence: out.reducedConfidence,
	}
	m.contract.Updated = time.Now().UTC()
	taskID, stepID := m.contract.ID, s.ID
	entry := core.MemoryEntry{
		Scope:      core.ScopeShared,
		Kind:       core.KindFact,
		Entity:     fmt.Sprintf("task:%s/step:%s", taskID, stepID),
		Payload:    map[string]any{"payload": out.payload},
		Provenance: out.provenance,
	}
	m.mu.Unlock()

	if err := m.deps.Memory.IntegrateShared(ctx, []core.MemoryEntry{entry}); err != nil {
		return fmt.Errorf("result integration for step %s: %w", stepID, err)
	}
	return nil
}

// cascadeBlocked fails steps whose dependencies have already failed (the
// dependency was optional, or the loop is about to fail the task anyway).
// Caller holds m.mu.
func (m *Machine) cascadeBlocked() {
	for _, s := range m.contract.Plan.Steps {
		if s.Status != core.StepQueued && s.Status != core.StepRetrying {
			continue
		}
		for _, dep := range s.DependsOn {
			if d := m.contract.Plan.StepByID(dep); d != nil && d.Status == core.StepFailed {
				s.Status = core.StepFailed
				break
			}
		}
	}
}

// progressLocked reports whether the plan is complete and whether a
// non-optional step failure must fail the task. Caller holds m.mu.
func (m *Machine) progressLocked() (done bool, failErr error) {
	done = true
	for _, s := range m.contract.Plan.Steps {
		switch s.Status {
		case core.StepSucceeded:
		case core.StepFailed:
			if !s.Optional {
				failErr = fmt.Errorf("step %s failed after %d attempts", s.ID, s.Attempts)
			}
		default:
			done = false
		}
	}
	return done, failErr
}

// validateAndRepair composes the final result and runs the bounded repair
// loop against the validation collaborator. A validator transport error is
// treated as acceptance with a warning so an unavailable collaborator never
// wedges the task.
func (m *Machine) validateAndRepair(ctx context.Context) (core.TaskResult, error) {
	m.transition(core.TaskValidating, "")

	result := m.composeResult()
	if m.deps.Validator == nil {
		return result, nil
	}

	for repair := 0; ; repair++ {
		vr, err := m.deps.Validator.Validate(ctx, core.ValidationRequest{
			TaskID:             m.contract.ID,
			Result:             result.Payload,
			AcceptanceCriteria: m.contract.AcceptanceCriteria,
		})
		if err != nil {
			m.deps.Logger.Warn("validator unavailable, accepting result", "task_id", m.contract.ID, "error", err)
			return result, nil
		}
		if vr.Accepted {
			result.Confidence = vr.Confidence
			return result, nil
		}
		if repair >= m.cfg.MaxRepairAttempts {
			return core.TaskResult{}, fmt.Errorf("after %d repair attempts: %w", repair, core.ErrValidationRejected)
		}

		if err := m.repairStep(ctx, vr); err != nil {
			return core.TaskResult{}, err
		}
		result = m.composeResult()
	}
}

// repairStep re-executes the offending step (or all leaf steps when the
// validator does not name one) with the structured feedback attached.
func (m *Machine) repairStep(ctx context.Context, vr core.ValidationResult) error {
	m.mu.Lock()
	targets := []*core.Step{}
	if vr.OffendingStepID != "" {
		if s := m.contract.Plan.StepByID(vr.OffendingStepID); s != nil {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		targets = leafSteps(m.contract.Plan)
	}
	for _, s := range targets {
		s.Status = core.StepQueued
		s.Attempts = 0
		s.Result = nil
		m.feedback[s.ID] = vr.Feedback
	}
	m.mu.Unlock()

	m.deps.Logger.Info("repair round", "task_id", m.contract.ID, "steps", len(targets))
	return m.executePlan(ctx)
}

// composeResult merges leaf step results into the task's final answer: a
// single leaf contributes its payload directly, several leaves a map keyed
// by step id. Confidence is the weakest leaf's confidence.
func (m *Machine) composeResult() core.TaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaves := leafSteps(m.contract.Plan)
	succeeded := []*core.Step{}
	for _, s := range leaves {
		if s.Status == core.StepSucceeded && s.Result != nil {
			succeeded = append(succeeded, s)
		}
	}

	result := core.TaskResult{Confidence: 1.0}
	switch len(succeeded) {
	case 0:
		result.Confidence = 0
	case 1:
		s := succeeded[0]
		result.Payload = s.Result.Payload
		result.Confidence = s.Result.Provenance.Confidence
		result.Provenance = s.Result.Provenance
	default:
		merged := map[string]any{}
		for _, s := range succeeded {
			merged[s.ID] = s.Result.Payload
			if s.Result.Provenance.Confidence < result.Confidence {
				result.Confidence = s.Result.Provenance.Confidence
			}
			if s.Result.Provenance.Timestamp.After(result.Provenance.Timestamp) {
				result.Provenance = s.Result.Provenance
			}
		}
		result.Payload = merged
	}
	return result
}

// transition moves the task forward, enforcing monotonicity.
func (m *Machine) transition(to core.TaskState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.contract.State
	if !from.CanTransition(to) {
		return
	}
	m.contract.State = to
	m.contract.Updated = time.Now().UTC()
	m.deps.Logger.Info("task state transition", "task_id", m.contract.ID, "from", string(from), "to", string(to), "reason", reason)
}

// terminate records a terminal state, preserving the partial plan and step
// results for audit.
func (m *Machine) terminate(state core.TaskState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.contract.State.Terminal() {
		return
	}
	from := m.contract.State
	m.contract.State = state
	m.contract.Updated = time.Now().UTC()
	if err != nil {
		m.contract.Error = err.Error()
	}
	m.deps.Logger.Info("task terminal", "task_id", m.contract.ID, "from", string(from), "to", string(state), "error", m.contract.Error)
}
