package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// PlanBuilder helps construct step DAGs with fluent chaining for tests.
// Example:
//
//	plan := NewPlanBuilder("task-1").
//		Step("fetch", core.CapabilityRetrieve).
//		Step("write", core.CapabilityGenerate).DependsOn("fetch").
//		Build()
type PlanBuilder struct {
	taskID string
	steps  []*core.Step
}

// NewPlanBuilder creates a new builder for a plan with the given task id.
// Use chainable methods then call Build.
func NewPlanBuilder(taskID string) *PlanBuilder {
	return &PlanBuilder{taskID: taskID}
}

// Step appends a queued step; subsequent chainable modifiers apply to it.
func (b *PlanBuilder) Step(id string, c core.Capability) *PlanBuilder {
	b.steps = append(b.steps, &core.Step{
		ID:         id,
		Capability: c,
		Status:     core.StepQueued,
	})
	return b
}

// DependsOn adds dependencies to the most recent step (chainable).
func (b *PlanBuilder) DependsOn(ids ...string) *PlanBuilder {
	b.last().DependsOn = append(b.last().DependsOn, ids...)
	return b
}

// Swarm fans the most recent step out to size workers (chainable).
func (b *PlanBuilder) Swarm(size int, policy core.AggregationPolicy) *PlanBuilder {
	s := b.last()
	s.Swarm = true
	s.SwarmSize = size
	s.Aggregation = policy
	return b
}

// Optional marks the most recent step as optional (chainable).
func (b *PlanBuilder) Optional() *PlanBuilder {
	b.last().Optional = true
	return b
}

// Timeout bounds attempts of the most recent step (chainable).
func (b *PlanBuilder) Timeout(d time.Duration) *PlanBuilder {
	b.last().Timeout = d
	return b
}

// MaxAttempts bounds retries of the most recent step (chainable).
func (b *PlanBuilder) MaxAttempts(n int) *PlanBuilder {
	b.last().MaxAttempts = n
	return b
}

// Input sets an input key/value pair on the most recent step (chainable).
func (b *PlanBuilder) Input(key string, val any) *PlanBuilder {
	s := b.last()
	if s.Input == nil {
		s.Input = map[string]any{}
	}
	s.Input[key] = val
	return b
}

// Build returns the assembled plan.
func (b *PlanBuilder) Build() *core.Plan {
	return &core.Plan{TaskID: b.taskID, Steps: b.steps}
}

func (b *PlanBuilder) last() *core.Step {
	return b.steps[len(b.steps)-1]
}
