package core

import "errors"

// Error taxonomy for the coordination core. Callers match with errors.Is;
// components wrap these sentinels with contextual detail via fmt.Errorf.
var (
	// ErrNoAvailableWorker means no healthy candidate advertises the
	// required capability. Retryable with backoff, then fails the step.
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrDispatchTimeout means a worker failed to acknowledge or respond
	// in time. Retried against the next-ranked candidate.
	ErrDispatchTimeout = errors.New("dispatch timeout")

	// ErrValidationRejected means the validator refused the final result.
	// Triggers the bounded repair loop before failing the task.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrSwarmNoQuorum means zero proposals arrived before the swarm
	// deadline. Retried as a fresh fan-out, not treated as a worker fault.
	ErrSwarmNoQuorum = errors.New("swarm no quorum")

	// ErrCyclicDependency means the plan DAG contains a cycle. Fatal at
	// plan validation; the task never begins executing.
	ErrCyclicDependency = errors.New("cyclic dependency in plan")

	// ErrCapabilityNotCovered means a plan step requires a capability no
	// registered worker advertises. Fatal at plan validation.
	ErrCapabilityNotCovered = errors.New("capability not covered")

	// ErrVersionConflict is the store-level optimistic-concurrency
	// rejection for a stale-version shared write.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrentWriteConflict means optimistic-concurrency retries on a
	// shared write were exhausted.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")

	// ErrBudgetExceeded is the admission-time rejection. Fatal, with no
	// side effects recorded.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrEmptyGoal rejects contracts whose goal is empty or whitespace.
	ErrEmptyGoal = errors.New("goal must not be empty")

	// ErrEntryNotFound means no entry exists for the requested entity.
	ErrEntryNotFound = errors.New("memory entry not found")

	// ErrTaskNotFound means no task with the given identity is known.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal means the operation is invalid because the task has
	// already reached a terminal state.
	ErrTaskTerminal = errors.New("task already terminal")

	// ErrScopeViolation means a caller attempted a memory write outside
	// its permitted scope (the data-diode policy).
	ErrScopeViolation = errors.New("memory scope violation")
)
