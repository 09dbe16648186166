package core

import (
	"strings"
	"time"
)

// TaskState is the lifecycle state of a task.
//
// The happy path is PENDING -> PLANNING -> EXECUTING -> VALIDATING ->
// COMPLETED, with a short-circuit PENDING -> COMPLETED on a memory hit.
// FAILED and CANCELLED are terminal and reachable from every non-terminal
// state. Transitions are monotonic; only individual steps loop (bounded
// retries), never the task state itself.
type TaskState string

const (
	// TaskPending means the task has been admitted but not yet planned.
	TaskPending TaskState = "pending"
	// TaskPlanning means a plan is being obtained and validated.
	TaskPlanning TaskState = "planning"
	// TaskExecuting means plan steps are being dispatched.
	TaskExecuting TaskState = "executing"
	// TaskValidating means final results are under external validation.
	TaskValidating TaskState = "validating"
	// TaskCompleted is the successful terminal state.
	TaskCompleted TaskState = "completed"
	// TaskFailed is the unsuccessful terminal state.
	TaskFailed TaskState = "failed"
	// TaskCancelled is the terminal state after an external cancellation.
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// stateRank orders non-terminal states for monotonicity checks.
var stateRank = map[TaskState]int{
	TaskPending:    0,
	TaskPlanning:   1,
	TaskExecuting:  2,
	TaskValidating: 3,
	TaskCompleted:  4,
	TaskFailed:     4,
	TaskCancelled:  4,
}

// CanTransition reports whether moving from s to next preserves the
// monotonic lifecycle ordering. Terminal states admit nothing.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	return stateRank[next] > stateRank[s]
}

// Priority ranks tasks for admission and swarm eligibility.
type Priority string

const (
	// PriorityLow is the lowest task priority.
	PriorityLow Priority = "low"
	// PriorityMedium is the default task priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh marks latency-sensitive tasks.
	PriorityHigh Priority = "high"
	// PriorityCritical marks tasks that preempt admission limits.
	PriorityCritical Priority = "critical"
)

// ResourceBudget declares hard resource ceilings for one task. A zero value
// for any field means "use the engine default" rather than zero allowance.
type ResourceBudget struct {
	MaxCostUSD  float64       `json:"max_cost_usd"`
	MaxLatency  time.Duration `json:"max_latency"`
	MaxAttempts int           `json:"max_attempts"`
	MaxTokens   int           `json:"max_tokens"`
}

// TaskResult is the terminal outcome of a completed task.
type TaskResult struct {
	Payload    any        `json:"payload"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	// FromCache marks results served from the memory layer without
	// re-executing a plan.
	FromCache bool `json:"from_cache,omitempty"`
}

// TaskContract is the top-level unit of work submitted to TaskMesh.
//
// Exactly one live state machine instance exists per contract identity; the
// state machine exclusively owns the contract and its plan for the task's
// lifetime. Callers observe progress through status snapshots, never by
// mutating the contract directly.
type TaskContract struct {
	ID                 string            `json:"id"`
	Goal               string            `json:"goal"`
	Constraints        map[string]any    `json:"constraints,omitempty"`
	Context            string            `json:"context,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	Budget             ResourceBudget    `json:"budget"`
	Priority           Priority          `json:"priority"`
	ParentTaskID       string            `json:"parent_task_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	State  TaskState   `json:"state"`
	Plan   *Plan       `json:"plan,omitempty"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// NewTaskContract builds a contract in the pending state with a fresh ID and
// medium priority defaults.
func NewTaskContract(goal string) *TaskContract {
	now := time.Now().UTC()
	return &TaskContract{
		ID:       NewID(),
		Goal:     goal,
		Priority: PriorityMedium,
		State:    TaskPending,
		Created:  now,
		Updated:  now,
	}
}

// ValidateGoal rejects empty or whitespace-only goals before admission.
func (t *TaskContract) ValidateGoal() error {
	if strings.TrimSpace(t.Goal) == "" {
		return ErrEmptyGoal
	}
	return nil
}

// TaskStatus is the externally visible snapshot of a task's progress.
type TaskStatus struct {
	TaskID         string        `json:"task_id"`
	State          TaskState     `json:"state"`
	Goal           string        `json:"goal"`
	Result         *TaskResult   `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	Created        time.Time     `json:"created"`
	Updated        time.Time     `json:"updated"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}
