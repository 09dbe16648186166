package swarm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

type staticPriors map[string]float64

func (p staticPriors) SuccessRate(workerID string) float64 {
	if v, ok := p[workerID]; ok {
		return v
	}
	return 0.5
}

func TestMajorityUnanimous(t *testing.T) {
	agg := NewAggregator(core.AggregateMajority, nil)

	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "42"},
		{WorkerID: "b", Payload: "42"},
		{WorkerID: "c", Payload: "42"},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "42", outcome.Payload)
	assert.Equal(t, 1.0, outcome.Confidence)
}

func TestMajorityTwoOfThree(t *testing.T) {
	agg := NewAggregator(core.AggregateMajority, nil)

	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "42"},
		{WorkerID: "b", Payload: "41"},
		{WorkerID: "c", Payload: "42"},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "42", outcome.Payload)
	assert.InDelta(t, 2.0/3.0, outcome.Confidence, 1e-9)
}

func TestMajoritySemanticEquality(t *testing.T) {
	agg := NewAggregator(core.AggregateMajority, nil)

	// Equal maps with different key insertion order vote together.
	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: map[string]any{"x": 1.0, "y": 2.0}},
		{WorkerID: "b", Payload: map[string]any{"y": 2.0, "x": 1.0}},
		{WorkerID: "c", Payload: map[string]any{"x": 9.0}},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.InDelta(t, 2.0/3.0, outcome.Confidence, 1e-9)
}

func TestMajorityTieEscalates(t *testing.T) {
	agg := NewAggregator(core.AggregateMajority, nil)

	_, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "42"},
		{WorkerID: "b", Payload: "41"},
	})

	require.NoError(t, err)
	assert.Len(t, tied, 2)
}

func TestMajorityEmptyIsNoQuorum(t *testing.T) {
	agg := NewAggregator(core.AggregateMajority, nil)
	_, _, err := agg.Aggregate(nil)
	assert.True(t, errors.Is(err, core.ErrSwarmNoQuorum))
}

func TestBordaPoints(t *testing.T) {
	agg := NewAggregator(core.AggregateBorda, nil)

	// x: 3+3+1 = 7, y: 2+2+3 = 7 is avoided here; make x the clear winner.
	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "x", Ranked: []any{"x", "y", "z"}},
		{WorkerID: "b", Payload: "x", Ranked: []any{"x", "z", "y"}},
		{WorkerID: "c", Payload: "y", Ranked: []any{"y", "x", "z"}},
	})

	require.NoError(t, err)
	assert.Empty(t, tied, "borda never escalates")
	assert.Equal(t, "x", outcome.Payload)
	// x: 3+3+2 = 8 of 18 total points.
	assert.InDelta(t, 8.0/18.0, outcome.Confidence, 1e-9)
}

func TestBordaTieBrokenByFirstRankLatency(t *testing.T) {
	agg := NewAggregator(core.AggregateBorda, nil)

	// Two candidates with equal points; the one ranked first by the faster
	// proposer wins.
	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "slow", Payload: "x", Ranked: []any{"x", "y"}, Latency: 80 * time.Millisecond},
		{WorkerID: "fast", Payload: "y", Ranked: []any{"y", "x"}, Latency: 10 * time.Millisecond},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "y", outcome.Payload)
	assert.Equal(t, "fast", outcome.WorkerID)
}

func TestBordaFallsBackToPayloadWhenUnranked(t *testing.T) {
	agg := NewAggregator(core.AggregateBorda, nil)

	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "x"},
		{WorkerID: "b", Payload: "x"},
		{WorkerID: "c", Payload: "y"},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "x", outcome.Payload)
}

func TestWeightedPrefersAccuratePrior(t *testing.T) {
	agg := NewAggregator(core.AggregateWeighted, staticPriors{"veteran": 0.9, "rookie": 0.4})

	// The rookie is more confident but the veteran's prior outweighs it.
	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "veteran", Payload: "a", Confidence: 0.7},
		{WorkerID: "rookie", Payload: "b", Confidence: 0.9},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "a", outcome.Payload)
	assert.InDelta(t, 0.63, outcome.Confidence, 1e-9)
}

func TestWeightedExactTieEscalates(t *testing.T) {
	agg := NewAggregator(core.AggregateWeighted, staticPriors{"a": 0.8, "b": 0.8})

	_, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "x", Confidence: 0.5},
		{WorkerID: "b", Payload: "y", Confidence: 0.5},
	})

	require.NoError(t, err)
	assert.Len(t, tied, 2)
}

func TestWeightedNeutralPriorWithoutSource(t *testing.T) {
	agg := NewAggregator(core.AggregateWeighted, nil)

	outcome, tied, err := agg.Aggregate([]Proposal{
		{WorkerID: "a", Payload: "x", Confidence: 0.8},
		{WorkerID: "b", Payload: "y", Confidence: 0.6},
	})

	require.NoError(t, err)
	assert.Empty(t, tied)
	assert.Equal(t, "x", outcome.Payload)
	assert.InDelta(t, 0.4, outcome.Confidence, 1e-9)
}

func TestUnknownPolicyDefaultsToMajority(t *testing.T) {
	agg := NewAggregator("", nil)
	assert.Equal(t, core.AggregateMajority, agg.Policy())
}
