package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
)

// stepSchema constrains the raw step objects an LLM planner returns before
// they are lifted into core.Step values.
var stepSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"id":          map[string]any{"type": "string"},
		"capability":  map[string]any{"type": "string"},
		"input":       map[string]any{"type": "object"},
		"depends_on":  map[string]any{"type": "array"},
		"optional":    map[string]any{"type": "boolean"},
		"swarm_size":  map[string]any{"type": "integer"},
		"aggregation": map[string]any{"type": "string"},
	},
	"required": []any{"id", "capability"},
}

// WorkerPlannerOptions configures a WorkerPlanner.
type WorkerPlannerOptions struct {
	// Timeout bounds one planning round trip.
	Timeout time.Duration

	Logger logging.Logger
}

// WorkerPlanner delegates plan construction to a plan-capable worker,
// typically an LLM-backed one. The worker receives the goal, the constraints,
// and the capabilities currently covered by the registry, and must answer
// with a JSON array of step objects. Structural problems in the answer are
// reported as planning errors; semantic problems (cycles, uncovered
// capabilities) are caught later by plan validation.
type WorkerPlanner struct {
	worker core.Worker
	opts   WorkerPlannerOptions
}

// NewWorkerPlanner creates a planner backed by the given worker.
func NewWorkerPlanner(w core.Worker, optFns ...func(o *WorkerPlannerOptions)) *WorkerPlanner {
	opts := WorkerPlannerOptions{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &WorkerPlanner{worker: w, opts: opts}
}

// BuildPlan implements core.Planner.
func (p *WorkerPlanner) BuildPlan(ctx context.Context, req core.PlanRequest) (*core.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, string(c))
	}

	ack, respCh, errCh := p.worker.Dispatch(ctx, core.DispatchRequest{
		TaskID:     req.TaskID,
		Capability: core.CapabilityPlan,
		Input: map[string]any{
			"goal":         req.Goal,
			"constraints":  req.Constraints,
			"capabilities": caps,
		},
	})

	select {
	case <-ack:
	case <-ctx.Done():
		return nil, fmt.Errorf("planner: worker %s did not acknowledge: %w", p.worker.ID(), ctx.Err())
	}

	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			return p.decode(req, resp.Payload)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			return nil, fmt.Errorf("planner: worker %s: %w", p.worker.ID(), err)
		case <-ctx.Done():
			return nil, fmt.Errorf("planner: worker %s: %w", p.worker.ID(), ctx.Err())
		}
	}
	return nil, fmt.Errorf("planner: worker %s closed without a plan", p.worker.ID())
}

func (p *WorkerPlanner) decode(req core.PlanRequest, payload any) (*core.Plan, error) {
	raw, err := rawSteps(payload)
	if err != nil {
		return nil, err
	}

	plan := &core.Plan{TaskID: req.TaskID, Steps: make([]*core.Step, 0, len(raw))}
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("planner: step %d is %T, want object", i, item)
		}
		if err := util.ValidateParameters(obj, stepSchema); err != nil {
			return nil, fmt.Errorf("planner: step %d: %w", i, err)
		}

		step := &core.Step{
			ID:         obj["id"].(string),
			Capability: core.Capability(obj["capability"].(string)),
		}
		if input, ok := obj["input"].(map[string]any); ok {
			step.Input = input
		}
		if deps, ok := obj["depends_on"].([]any); ok {
			for _, d := range deps {
				name, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("planner: step %s: dependency %v is not a string", step.ID, d)
				}
				step.DependsOn = append(step.DependsOn, name)
			}
		}
		if optional, ok := obj["optional"].(bool); ok {
			step.Optional = optional
		}
		if size, ok := obj["swarm_size"].(float64); ok && size > 0 {
			step.Swarm = true
			step.SwarmSize = int(size)
			step.Aggregation = core.AggregateMajority
			if policy, ok := obj["aggregation"].(string); ok && policy != "" {
				step.Aggregation = core.AggregationPolicy(policy)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	p.opts.Logger.Debug("plan decoded", "task_id", req.TaskID, "steps", len(plan.Steps))
	return plan, nil
}

// rawSteps normalizes the worker payload into a step list. Accepted shapes
// are a JSON array, an object with a "steps" array, or a string holding
// either, optionally wrapped in a markdown code fence.
func rawSteps(payload any) ([]any, error) {
	switch v := payload.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if steps, ok := v["steps"].([]any); ok {
			return steps, nil
		}
		return nil, fmt.Errorf("planner: object payload has no steps array")
	case string:
		text := strings.TrimSpace(v)
		if strings.HasPrefix(text, "```") {
			text = strings.TrimPrefix(text, "```json")
			text = strings.TrimPrefix(text, "```")
			text = strings.TrimSuffix(strings.TrimSpace(text), "```")
			text = strings.TrimSpace(text)
		}
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, fmt.Errorf("planner: payload is not valid JSON: %w", err)
		}
		return rawSteps(parsed)
	default:
		return nil, fmt.Errorf("planner: unsupported payload type %T", payload)
	}
}
