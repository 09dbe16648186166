package planner

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// Stage describes one position in a sequential pipeline. String values in
// Input are rendered as text templates against the plan request, so stages
// can reference {{.Goal}}, {{.TaskID}}, and {{.Constraints}}.
type Stage struct {
	ID         string
	Capability core.Capability
	Input      map[string]any
	Optional   bool

	// SwarmSize > 0 fans the stage out to that many workers and reconciles
	// with Aggregation (majority when unset).
	SwarmSize   int
	Aggregation core.AggregationPolicy
}

// Pipeline plans a fixed sequence of stages, each depending on the previous
// one. It suits multi-step workflows with a known shape, retrieval feeding
// generation feeding validation, where only the inputs vary per task.
type Pipeline struct {
	stages []Stage
}

// NewPipeline creates a sequential pipeline planner from the given stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// BuildPlan implements core.Planner.
func (p *Pipeline) BuildPlan(_ context.Context, req core.PlanRequest) (*core.Plan, error) {
	if len(p.stages) == 0 {
		return nil, fmt.Errorf("planner: pipeline has no stages")
	}

	state := map[string]any{
		"TaskID":      req.TaskID,
		"Goal":        req.Goal,
		"Constraints": req.Constraints,
	}

	plan := &core.Plan{TaskID: req.TaskID, Steps: make([]*core.Step, 0, len(p.stages))}
	var prev string
	for i, stage := range p.stages {
		id := stage.ID
		if id == "" {
			id = fmt.Sprintf("stage-%d", i+1)
		}

		input, err := renderInput(stage.Input, state)
		if err != nil {
			return nil, fmt.Errorf("planner: stage %s: %w", id, err)
		}
		if input == nil {
			input = map[string]any{"goal": req.Goal, "constraints": req.Constraints}
		}

		step := &core.Step{
			ID:         id,
			Capability: stage.Capability,
			Input:      input,
			Optional:   stage.Optional,
		}
		if stage.SwarmSize > 0 {
			step.Swarm = true
			step.SwarmSize = stage.SwarmSize
			step.Aggregation = stage.Aggregation
			if step.Aggregation == "" {
				step.Aggregation = core.AggregateMajority
			}
		}
		if prev != "" {
			step.DependsOn = []string{prev}
		}
		plan.Steps = append(plan.Steps, step)
		prev = id
	}
	return plan, nil
}

func renderInput(input map[string]any, state map[string]any) (map[string]any, error) {
	if input == nil {
		return nil, nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if text, ok := v.(string); ok {
			rendered, err := util.RenderTemplate(text, state)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", k, err)
			}
			out[k] = rendered
			continue
		}
		out[k] = v
	}
	return out, nil
}

// fanOut plans a single swarm step sending the whole goal to size workers.
type fanOut struct {
	capability core.Capability
	size       int
	policy     core.AggregationPolicy
}

// FanOut returns a planner producing one swarm step: the goal goes to size
// workers of the given capability and the results are reconciled with policy.
func FanOut(capability core.Capability, size int, policy core.AggregationPolicy) core.Planner {
	if policy == "" {
		policy = core.AggregateMajority
	}
	return fanOut{capability: capability, size: size, policy: policy}
}

func (f fanOut) BuildPlan(_ context.Context, req core.PlanRequest) (*core.Plan, error) {
	return &core.Plan{
		TaskID: req.TaskID,
		Steps: []*core.Step{{
			ID:          "fanout",
			Capability:  f.capability,
			Input:       map[string]any{"goal": req.Goal, "constraints": req.Constraints},
			Swarm:       true,
			SwarmSize:   f.size,
			Aggregation: f.policy,
		}},
	}, nil
}

// static replays a prebuilt plan for every request.
type static struct {
	plan *core.Plan
}

// Static returns a planner that hands back copies of the given plan. Useful
// in tests and for operators who resolve the DAG out of band.
func Static(plan *core.Plan) core.Planner {
	return static{plan: plan}
}

func (s static) BuildPlan(_ context.Context, req core.PlanRequest) (*core.Plan, error) {
	if s.plan == nil || len(s.plan.Steps) == 0 {
		return nil, fmt.Errorf("planner: static plan is empty")
	}
	out := &core.Plan{TaskID: req.TaskID, Steps: make([]*core.Step, 0, len(s.plan.Steps))}
	for _, step := range s.plan.Steps {
		cp := *step
		if step.Input != nil {
			cp.Input = make(map[string]any, len(step.Input))
			for k, v := range step.Input {
				cp.Input[k] = v
			}
		}
		cp.DependsOn = append([]string(nil), step.DependsOn...)
		out.Steps = append(out.Steps, &cp)
	}
	return out, nil
}
