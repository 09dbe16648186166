package core

import "time"

// StepStatus tracks one step through its dispatch lifecycle.
type StepStatus string

const (
	// StepQueued means the step is waiting on unsatisfied dependencies.
	StepQueued StepStatus = "queued"
	// StepDispatched means a worker has been selected but not acknowledged.
	StepDispatched StepStatus = "dispatched"
	// StepRunning means a worker acknowledged and is processing.
	StepRunning StepStatus = "running"
	// StepSucceeded means a result has been accepted for the step.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step exhausted its retry budget.
	StepFailed StepStatus = "failed"
	// StepRetrying means a failed attempt is awaiting re-dispatch.
	StepRetrying StepStatus = "retrying"
)

// AggregationPolicy selects how a swarm reconciles competing proposals.
type AggregationPolicy string

const (
	// AggregateMajority picks the most frequent semantically equal payload.
	AggregateMajority AggregationPolicy = "majority"
	// AggregateBorda sums rank positions over worker-returned candidate lists.
	AggregateBorda AggregationPolicy = "borda"
	// AggregateWeighted weights self-reported confidence by the worker's
	// historical accuracy prior.
	AggregateWeighted AggregationPolicy = "weighted"
)

// Provenance records which worker produced a result, when, and with what
// confidence. It is attached to every persisted result for audit.
type Provenance struct {
	WorkerID   string        `json:"worker_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	Confidence float64       `json:"confidence"`
}

// StepResult is the accepted outcome of one step.
type StepResult struct {
	Payload    any        `json:"payload"`
	Provenance Provenance `json:"provenance"`
	// ReducedConfidence marks results chosen by the deterministic tie
	// fallback when the arbiter was unavailable.
	ReducedConfidence bool `json:"reduced_confidence,omitempty"`
}

// Step is one node in a task's plan DAG.
//
// A step may begin only when every step named in DependsOn has reached
// StepSucceeded. The state machine exclusively owns step mutation; routers
// and the swarm coordinator only observe the fields they are handed.
type Step struct {
	ID         string         `json:"id"`
	Capability Capability     `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`

	// Swarm fans the step out to SwarmSize workers and reconciles with
	// the configured aggregation policy.
	Swarm       bool              `json:"swarm,omitempty"`
	SwarmSize   int               `json:"swarm_size,omitempty"`
	Aggregation AggregationPolicy `json:"aggregation,omitempty"`

	// Optional steps may fail without failing the task.
	Optional bool `json:"optional,omitempty"`
	// Timeout bounds a single dispatch attempt (and the swarm wait
	// window). Zero means the router default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxAttempts bounds retries for this step. Zero means the task
	// budget's MaxAttempts applies.
	MaxAttempts int `json:"max_attempts,omitempty"`

	Status         StepStatus  `json:"status"`
	AssignedWorker string      `json:"assigned_worker,omitempty"`
	Attempts       int         `json:"attempts"`
	Result         *StepResult `json:"result,omitempty"`
}

// Plan is the ordered step DAG resolved for a task.
type Plan struct {
	TaskID string  `json:"task_id"`
	Steps  []*Step `json:"steps"`
}

// StepByID returns the step with the given id or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Capabilities returns the distinct capabilities the plan requires, in first
// appearance order.
func (p *Plan) Capabilities() []Capability {
	seen := map[Capability]bool{}
	out := make([]Capability, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !seen[s.Capability] {
			seen[s.Capability] = true
			out = append(out, s.Capability)
		}
	}
	return out
}
