package taskmesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/worker"
)

func TestSubmitSyncRoundTrip(t *testing.T) {
	mesh := New()
	mesh.Start(context.Background())

	w := worker.NewFunctionWorker("summarizer").
		Handle(core.CapabilityGenerate, "summarizes goals", func(_ context.Context, req core.DispatchRequest) (core.DispatchResponse, error) {
			goal, _ := req.Input["goal"].(string)
			return core.DispatchResponse{Payload: "summary of: " + goal, Confidence: 0.9}, nil
		})
	require.NoError(t, mesh.RegisterWorker(w))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := mesh.SubmitSync(ctx, core.NewTaskContract("condense the meeting notes"))
	require.NoError(t, err)
	require.Equal(t, core.TaskCompleted, status.State)
	require.NotNil(t, status.Result)
	assert.Equal(t, "summary of: condense the meeting notes", status.Result.Payload)
	assert.Equal(t, "summarizer", status.Result.Provenance.WorkerID)
}

func TestAsyncSubmitStatusAndCancel(t *testing.T) {
	mesh := New()
	mesh.Start(context.Background())
	require.NoError(t, mesh.RegisterWorker(testutil.NewFakeWorker("slow", core.CapabilityGenerate).Delay(5*time.Second)))

	id, err := mesh.Submit(context.Background(), core.NewTaskContract("a goal that takes a while"))
	require.NoError(t, err)

	status, err := mesh.Status(id)
	require.NoError(t, err)
	assert.False(t, status.State.Terminal())

	require.NoError(t, mesh.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err = mesh.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, status.State)
}

func TestHeartbeatFlowsThroughFacade(t *testing.T) {
	mesh := New()
	require.NoError(t, mesh.RegisterWorker(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))
	assert.NoError(t, mesh.Heartbeat("w1", 3))
	assert.Error(t, mesh.Heartbeat("ghost", 0))
}

func TestMemoryAccessibleFromFacade(t *testing.T) {
	mesh := New()
	ctx := context.Background()

	require.NoError(t, mesh.Memory().WriteEpisodic(ctx, core.MemoryEntry{
		OwnerID: "w1",
		Entity:  "run-1",
		Payload: map[string]any{"note": "tried breadth first"},
	}))

	got, err := mesh.Memory().Read(ctx, core.MemoryQuery{OwnerID: "w1", Text: "breadth"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].Entity)
}
