package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
)

// coverAll accepts every capability.
type coverAll struct{}

func (coverAll) Covers([]core.Capability) (core.Capability, bool) { return "", true }

// coverNone rejects every capability.
type coverNone struct{}

func (coverNone) Covers(caps []core.Capability) (core.Capability, bool) {
	if len(caps) == 0 {
		return "", true
	}
	return caps[0], false
}

func TestValidatePlanAcceptsDAG(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityRetrieve).
		Step("b", core.CapabilityGenerate).DependsOn("a").
		Step("c", core.CapabilityGenerate).DependsOn("a").
		Step("d", core.CapabilityValidate).DependsOn("b", "c").
		Build()

	assert.NoError(t, ValidatePlan(plan, coverAll{}))
}

func TestValidatePlanRejectsEmpty(t *testing.T) {
	assert.Error(t, ValidatePlan(nil, coverAll{}))
	assert.Error(t, ValidatePlan(&core.Plan{}, coverAll{}))
}

func TestValidatePlanRejectsDuplicateIDs(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).
		Step("a", core.CapabilityGenerate).
		Build()

	err := ValidatePlan(plan, coverAll{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidatePlanRejectsUnknownDependency(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).DependsOn("ghost").
		Build()

	assert.Error(t, ValidatePlan(plan, coverAll{}))
}

func TestValidatePlanRejectsSelfDependency(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).DependsOn("a").
		Build()

	err := ValidatePlan(plan, coverAll{})
	assert.True(t, errors.Is(err, core.ErrCyclicDependency))
}

func TestValidatePlanRejectsCycle(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).DependsOn("c").
		Step("b", core.CapabilityGenerate).DependsOn("a").
		Step("c", core.CapabilityGenerate).DependsOn("b").
		Build()

	err := ValidatePlan(plan, coverAll{})
	assert.True(t, errors.Is(err, core.ErrCyclicDependency))
}

func TestValidatePlanRejectsUncoveredCapability(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityExecute).
		Build()

	err := ValidatePlan(plan, coverNone{})
	assert.True(t, errors.Is(err, core.ErrCapabilityNotCovered))
}

func TestReadySteps(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).
		Step("b", core.CapabilityGenerate).DependsOn("a").
		Step("c", core.CapabilityGenerate).
		Build()

	ready := readySteps(plan)
	require.Len(t, ready, 2)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)

	plan.StepByID("a").Status = core.StepSucceeded
	plan.StepByID("c").Status = core.StepRunning

	ready = readySteps(plan)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestLeafSteps(t *testing.T) {
	plan := testutil.NewPlanBuilder("t1").
		Step("a", core.CapabilityGenerate).
		Step("b", core.CapabilityGenerate).DependsOn("a").
		Step("c", core.CapabilityGenerate).DependsOn("a").
		Build()

	leaves := leafSteps(plan)
	require.Len(t, leaves, 2)
	assert.Equal(t, "b", leaves[0].ID)
	assert.Equal(t, "c", leaves[1].ID)
}
