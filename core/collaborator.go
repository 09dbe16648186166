package core

import "context"

// PlanRequest is sent to the external planning collaborator.
type PlanRequest struct {
	TaskID       string         `json:"task_id"`
	Goal         string         `json:"goal"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	Capabilities []Capability   `json:"capabilities"`
}

// Planner obtains a step DAG for a goal. The returned plan is validated by
// the state machine (acyclicity, capability coverage) before execution; an
// explicit rejection is surfaced as an error.
type Planner interface {
	BuildPlan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// ValidationRequest carries a candidate result and its acceptance criteria.
type ValidationRequest struct {
	TaskID             string   `json:"task_id"`
	Result             any      `json:"result"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// ValidationResult is the validator's verdict. On rejection, Feedback and
// OffendingStepID drive the bounded repair loop.
type ValidationResult struct {
	Accepted        bool    `json:"accepted"`
	Confidence      float64 `json:"confidence"`
	Feedback        string  `json:"feedback,omitempty"`
	OffendingStepID string  `json:"offending_step_id,omitempty"`
}

// Validator judges candidate task results against acceptance criteria.
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error)
}

// Arbiter breaks unresolved swarm ties by choosing among proposals. It
// returns the index of the winning proposal. Validation collaborators
// typically implement both Validator and Arbiter.
type Arbiter interface {
	Arbitrate(ctx context.Context, payloads []any) (int, error)
}

// Redactor filters shared knowledge before it leaves the memory router. The
// concrete filtering logic lives in an external content-filtering
// collaborator.
type Redactor interface {
	Redact(ctx context.Context, entries []MemoryEntry) ([]MemoryEntry, error)
}
