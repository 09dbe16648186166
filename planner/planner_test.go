package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
)

func planReq() core.PlanRequest {
	return core.PlanRequest{
		TaskID:       "t1",
		Goal:         "summarize the report",
		Constraints:  map[string]any{"tone": "neutral"},
		Capabilities: []core.Capability{core.CapabilityRetrieve, core.CapabilityGenerate},
	}
}

func TestPipelineBuildsChain(t *testing.T) {
	p := NewPipeline(
		Stage{ID: "fetch", Capability: core.CapabilityRetrieve, Input: map[string]any{"query": "{{.Goal}}"}},
		Stage{ID: "write", Capability: core.CapabilityGenerate},
		Stage{ID: "check", Capability: core.CapabilityValidate, Optional: true},
	)

	plan, err := p.BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "t1", plan.TaskID)

	fetch := plan.StepByID("fetch")
	assert.Empty(t, fetch.DependsOn)
	assert.Equal(t, "summarize the report", fetch.Input["query"], "templated inputs render against the request")

	write := plan.StepByID("write")
	assert.Equal(t, []string{"fetch"}, write.DependsOn)
	assert.Equal(t, "summarize the report", write.Input["goal"], "stages without inputs receive the goal")

	check := plan.StepByID("check")
	assert.Equal(t, []string{"write"}, check.DependsOn)
	assert.True(t, check.Optional)
}

func TestPipelineSwarmStage(t *testing.T) {
	p := NewPipeline(
		Stage{ID: "vote", Capability: core.CapabilityGenerate, SwarmSize: 3},
	)

	plan, err := p.BuildPlan(context.Background(), planReq())
	require.NoError(t, err)

	vote := plan.StepByID("vote")
	assert.True(t, vote.Swarm)
	assert.Equal(t, 3, vote.SwarmSize)
	assert.Equal(t, core.AggregateMajority, vote.Aggregation)
}

func TestPipelineRejectsEmpty(t *testing.T) {
	_, err := NewPipeline().BuildPlan(context.Background(), planReq())
	assert.Error(t, err)
}

func TestFanOutPlansSingleSwarmStep(t *testing.T) {
	plan, err := FanOut(core.CapabilityGenerate, 5, core.AggregateBorda).BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	step := plan.Steps[0]
	assert.True(t, step.Swarm)
	assert.Equal(t, 5, step.SwarmSize)
	assert.Equal(t, core.AggregateBorda, step.Aggregation)
	assert.Equal(t, "summarize the report", step.Input["goal"])
}

func TestStaticReturnsIndependentCopies(t *testing.T) {
	source := &core.Plan{Steps: []*core.Step{
		{ID: "a", Capability: core.CapabilityGenerate, Input: map[string]any{"k": "v"}},
		{ID: "b", Capability: core.CapabilityGenerate, DependsOn: []string{"a"}},
	}}
	p := Static(source)

	first, err := p.BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	assert.Equal(t, "t1", first.TaskID)

	// Mutating one build must not bleed into the next.
	first.Steps[0].Status = core.StepSucceeded
	first.Steps[0].Input["k"] = "mutated"

	second, err := p.BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	assert.NotEqual(t, core.StepSucceeded, second.Steps[0].Status)
	assert.Equal(t, "v", second.Steps[0].Input["k"])
}

func TestWorkerPlannerDecodesStepArray(t *testing.T) {
	w := testutil.NewFakeWorker("architect", core.CapabilityPlan).Respond([]any{
		map[string]any{"id": "fetch", "capability": "retrieve", "input": map[string]any{"query": "report"}},
		map[string]any{"id": "write", "capability": "generate", "depends_on": []any{"fetch"}},
		map[string]any{"id": "vote", "capability": "generate", "depends_on": []any{"write"}, "swarm_size": 3.0, "aggregation": "weighted"},
	}, 0.9)

	plan, err := NewWorkerPlanner(w).BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, core.CapabilityRetrieve, plan.StepByID("fetch").Capability)
	assert.Equal(t, []string{"fetch"}, plan.StepByID("write").DependsOn)

	vote := plan.StepByID("vote")
	assert.True(t, vote.Swarm)
	assert.Equal(t, 3, vote.SwarmSize)
	assert.Equal(t, core.AggregateWeighted, vote.Aggregation)
}

func TestWorkerPlannerParsesFencedJSON(t *testing.T) {
	w := testutil.NewFakeWorker("architect", core.CapabilityPlan).Respond(
		"```json\n[{\"id\": \"only\", \"capability\": \"generate\"}]\n```", 0.9)

	plan, err := NewWorkerPlanner(w).BuildPlan(context.Background(), planReq())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "only", plan.Steps[0].ID)
}

func TestWorkerPlannerRejectsMalformedSteps(t *testing.T) {
	w := testutil.NewFakeWorker("architect", core.CapabilityPlan).Respond([]any{
		map[string]any{"capability": "generate"}, // missing id
	}, 0.9)

	_, err := NewWorkerPlanner(w).BuildPlan(context.Background(), planReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestWorkerPlannerPropagatesWorkerError(t *testing.T) {
	boom := errors.New("model unavailable")
	w := testutil.NewFakeWorker("architect", core.CapabilityPlan).Fail(boom)

	_, err := NewWorkerPlanner(w).BuildPlan(context.Background(), planReq())
	assert.True(t, errors.Is(err, boom))
}
