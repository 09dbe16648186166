package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/registry"
)

type pickFirstArbiter struct{ calls int }

func (a *pickFirstArbiter) Arbitrate(_ context.Context, payloads []any) (int, error) {
	a.calls++
	return 0, nil
}

type failingArbiter struct{}

func (failingArbiter) Arbitrate(context.Context, []any) (int, error) {
	return 0, errors.New("arbiter down")
}

func newCoordinator(t *testing.T, optFns []func(o *Options), workers ...core.Worker) *Coordinator {
	t.Helper()
	reg := registry.New()
	for _, w := range workers {
		require.NoError(t, reg.Register(w))
	}
	return New(reg, optFns...)
}

func swarmReq() core.DispatchRequest {
	return core.DispatchRequest{TaskID: "t1", StepID: "s1", Capability: core.CapabilityGenerate}
}

func TestExecuteMajorityWins(t *testing.T) {
	c := newCoordinator(t, nil,
		testutil.NewFakeWorker("a", core.CapabilityGenerate).Respond("42", 0.8),
		testutil.NewFakeWorker("b", core.CapabilityGenerate).Respond("42", 0.8),
		testutil.NewFakeWorker("c", core.CapabilityGenerate).Respond("41", 0.8),
	)

	outcome, ballot, err := c.Execute(context.Background(), swarmReq(), 3, core.AggregateMajority, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "42", outcome.Payload)
	assert.InDelta(t, 2.0/3.0, outcome.Confidence, 1e-9)
	assert.False(t, outcome.ReducedConfidence)
	require.NotNil(t, ballot)
	assert.Len(t, ballot.Proposals, 3)
}

func TestExecuteLateWorkerExcluded(t *testing.T) {
	c := newCoordinator(t, nil,
		testutil.NewFakeWorker("fast1", core.CapabilityGenerate).Respond("yes", 0.9),
		testutil.NewFakeWorker("fast2", core.CapabilityGenerate).Respond("yes", 0.9),
		testutil.NewFakeWorker("late", core.CapabilityGenerate).Respond("no", 0.9).Delay(time.Second),
	)

	start := time.Now()
	outcome, ballot, err := c.Execute(context.Background(), swarmReq(), 3, core.AggregateMajority, 150*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, "yes", outcome.Payload)
	assert.Len(t, ballot.Proposals, 2, "the straggler's answer is discarded")
	assert.Less(t, time.Since(start), 800*time.Millisecond, "the round never waits past its deadline")
}

func TestExecuteAllLateIsNoQuorum(t *testing.T) {
	c := newCoordinator(t, nil,
		testutil.NewFakeWorker("s1", core.CapabilityGenerate).NeverRespond(),
		testutil.NewFakeWorker("s2", core.CapabilityGenerate).NeverRespond(),
	)

	start := time.Now()
	_, _, err := c.Execute(context.Background(), swarmReq(), 2, core.AggregateMajority, 100*time.Millisecond)

	assert.True(t, errors.Is(err, core.ErrSwarmNoQuorum))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteNoCandidates(t *testing.T) {
	c := newCoordinator(t, nil)

	_, _, err := c.Execute(context.Background(), swarmReq(), 3, core.AggregateMajority, time.Second)
	assert.True(t, errors.Is(err, core.ErrNoAvailableWorker))
}

func TestExecuteClampsFanoutToCandidates(t *testing.T) {
	w := testutil.NewFakeWorker("only", core.CapabilityGenerate).Respond("x", 1.0)
	c := newCoordinator(t, nil, w)

	outcome, ballot, err := c.Execute(context.Background(), swarmReq(), 5, core.AggregateMajority, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "x", outcome.Payload)
	assert.Equal(t, 1, ballot.Fanout)
	assert.Equal(t, 1, w.Dispatches())
}

func TestExecuteTieEscalatesToArbiter(t *testing.T) {
	arb := &pickFirstArbiter{}
	c := newCoordinator(t, []func(o *Options){WithArbiter(arb)},
		testutil.NewFakeWorker("a", core.CapabilityGenerate).Respond("x", 0.8),
		testutil.NewFakeWorker("b", core.CapabilityGenerate).Respond("y", 0.8),
	)

	outcome, _, err := c.Execute(context.Background(), swarmReq(), 2, core.AggregateMajority, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 1, arb.calls)
	assert.False(t, outcome.ReducedConfidence)
	assert.Contains(t, []any{"x", "y"}, outcome.Payload)
}

func TestExecuteArbiterDownFallsBackToLatency(t *testing.T) {
	c := newCoordinator(t, []func(o *Options){WithArbiter(failingArbiter{})},
		testutil.NewFakeWorker("slow", core.CapabilityGenerate).Respond("x", 0.8).Delay(60*time.Millisecond),
		testutil.NewFakeWorker("fast", core.CapabilityGenerate).Respond("y", 0.8),
	)

	outcome, _, err := c.Execute(context.Background(), swarmReq(), 2, core.AggregateMajority, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "y", outcome.Payload, "lowest latency wins the deterministic fallback")
	assert.True(t, outcome.ReducedConfidence)
}
