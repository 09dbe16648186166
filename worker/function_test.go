package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestFunctionWorkerDispatchSuccess(t *testing.T) {
	w := NewFunctionWorker("echo").
		Handle(core.CapabilityGenerate, "echoes input", func(_ context.Context, req core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{Payload: req.Input["text"], Confidence: 0.8}, nil
		})

	ack, respCh, errCh := w.Dispatch(context.Background(), core.DispatchRequest{
		Capability: core.CapabilityGenerate,
		Input:      map[string]any{"text": "hello"},
	})

	select {
	case <-ack:
	case <-time.After(time.Second):
		t.Fatal("no acknowledgment")
	}

	select {
	case resp := <-respCh:
		assert.Equal(t, "hello", resp.Payload)
		assert.InDelta(t, 0.8, resp.Confidence, 1e-9)
		assert.Equal(t, "echo", resp.Provenance.WorkerID)
		assert.False(t, resp.Provenance.Timestamp.IsZero())
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}

func TestFunctionWorkerDefaultsConfidence(t *testing.T) {
	w := NewFunctionWorker("sure").
		Handle(core.CapabilityGenerate, "", func(context.Context, core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{Payload: "x"}, nil
		})

	_, respCh, _ := w.Dispatch(context.Background(), core.DispatchRequest{Capability: core.CapabilityGenerate})
	resp := <-respCh
	assert.Equal(t, 1.0, resp.Confidence)
	assert.Equal(t, 1.0, resp.Provenance.Confidence)
}

func TestFunctionWorkerUnknownCapability(t *testing.T) {
	w := NewFunctionWorker("narrow").
		Handle(core.CapabilityRetrieve, "", func(context.Context, core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{}, nil
		})

	ack, _, errCh := w.Dispatch(context.Background(), core.DispatchRequest{Capability: core.CapabilityExecute})

	select {
	case <-ack:
	default:
		t.Fatal("ack must close even for rejected capabilities")
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not handle")
}

func TestFunctionWorkerPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	w := NewFunctionWorker("fragile").
		Handle(core.CapabilityGenerate, "", func(context.Context, core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{}, boom
		})

	_, _, errCh := w.Dispatch(context.Background(), core.DispatchRequest{Capability: core.CapabilityGenerate})
	assert.True(t, errors.Is(<-errCh, boom))
}

func TestFunctionWorkerCapabilities(t *testing.T) {
	w := NewFunctionWorker("multi").
		Handle(core.CapabilityGenerate, "writes", func(context.Context, core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{}, nil
		}).
		Handle(core.CapabilityRetrieve, "reads", func(context.Context, core.DispatchRequest) (core.DispatchResponse, error) {
			return core.DispatchResponse{}, nil
		})

	caps := w.Capabilities()
	assert.Equal(t, "writes", caps[core.CapabilityGenerate])
	assert.Equal(t, "reads", caps[core.CapabilityRetrieve])
	assert.Equal(t, "multi", w.ID())
}

func TestBuildPromptIncludesFeedback(t *testing.T) {
	p := BuildPrompt(core.DispatchRequest{
		Capability: core.CapabilityGenerate,
		Input:      map[string]any{"goal": "write a haiku"},
		Feedback:   "needs exactly seventeen syllables",
	})

	assert.Contains(t, p, "write a haiku")
	assert.Contains(t, p, "needs exactly seventeen syllables")
	assert.Contains(t, p, `"payload"`)
}

func TestParseCompletionEnvelope(t *testing.T) {
	payload, conf, ranked := ParseCompletion(`{"payload": "answer", "confidence": 0.85, "ranked": ["answer", "alt"]}`)

	assert.Equal(t, "answer", payload)
	assert.InDelta(t, 0.85, conf, 1e-9)
	assert.Equal(t, []any{"answer", "alt"}, ranked)
}

func TestParseCompletionStripsCodeFence(t *testing.T) {
	payload, conf, _ := ParseCompletion("```json\n{\"payload\": 42, \"confidence\": 0.5}\n```")

	assert.Equal(t, 42.0, payload)
	assert.InDelta(t, 0.5, conf, 1e-9)
}

func TestParseCompletionFallsBackToRawText(t *testing.T) {
	payload, conf, ranked := ParseCompletion("just plain prose")

	assert.Equal(t, "just plain prose", payload)
	assert.InDelta(t, 0.7, conf, 1e-9)
	assert.Nil(t, ranked)
}

func TestParseCompletionClampsBadConfidence(t *testing.T) {
	_, conf, _ := ParseCompletion(`{"payload": "x", "confidence": 7}`)
	assert.InDelta(t, 0.7, conf, 1e-9)
}
