package swarm

import (
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Aggregator reconciles a ballot's proposals into one outcome. Aggregate
// returns the winning outcome, or the indices of tied proposals when the
// policy cannot resolve a winner on its own (the coordinator then escalates
// to the arbiter). Implementations must be deterministic for a given input.
type Aggregator interface {
	Policy() core.AggregationPolicy
	Aggregate(proposals []Proposal) (Outcome, []int, error)
}

// PriorSource supplies a worker's historical accuracy prior, used by
// weighted-confidence aggregation. The capability registry implements it.
type PriorSource interface {
	SuccessRate(workerID string) float64
}

// NewAggregator builds the aggregator for a policy. An unknown or empty
// policy falls back to majority voting.
func NewAggregator(policy core.AggregationPolicy, priors PriorSource) Aggregator {
	switch policy {
	case core.AggregateBorda:
		return bordaAggregator{}
	case core.AggregateWeighted:
		return weightedAggregator{priors: priors}
	default:
		return majorityAggregator{}
	}
}

// majorityAggregator picks the most frequent semantically equal payload.
// Resulting confidence is votes / total responders.
type majorityAggregator struct{}

func (majorityAggregator) Policy() core.AggregationPolicy { return core.AggregateMajority }

func (majorityAggregator) Aggregate(proposals []Proposal) (Outcome, []int, error) {
	if len(proposals) == 0 {
		return Outcome{}, nil, fmt.Errorf("majority: %w", core.ErrSwarmNoQuorum)
	}

	votes := map[string][]int{}
	order := []string{}
	for i, p := range proposals {
		k := payloadKey(p.Payload)
		if _, seen := votes[k]; !seen {
			order = append(order, k)
		}
		votes[k] = append(votes[k], i)
	}

	best := order[0]
	for _, k := range order[1:] {
		if len(votes[k]) > len(votes[best]) {
			best = k
		}
	}

	// Collect every proposal group sharing the top count.
	tied := []int{}
	for _, k := range order {
		if len(votes[k]) == len(votes[best]) {
			tied = append(tied, votes[k][0])
		}
	}
	if len(tied) > 1 {
		return Outcome{}, tied, nil
	}

	winner := proposals[votes[best][0]]
	return Outcome{
		Payload:    winner.Payload,
		Confidence: float64(len(votes[best])) / float64(len(proposals)),
		WorkerID:   winner.WorkerID,
	}, nil, nil
}

// bordaAggregator sums rank-position points over each worker's ranked
// candidate list. Ties are broken internally by the lowest combined latency
// of the proposals ranking the candidate first, then by canonical payload
// order so the result is total; Borda never escalates.
type bordaAggregator struct{}

func (bordaAggregator) Policy() core.AggregationPolicy { return core.AggregateBorda }

func (bordaAggregator) Aggregate(proposals []Proposal) (Outcome, []int, error) {
	if len(proposals) == 0 {
		return Outcome{}, nil, fmt.Errorf("borda: %w", core.ErrSwarmNoQuorum)
	}

	type candidate struct {
		payload      any
		points       int
		firstLatency time.Duration // combined latency of proposals ranking it first
		firstWorker  string
	}
	candidates := map[string]*candidate{}
	order := []string{}

	for _, p := range proposals {
		ranked := p.Ranked
		if len(ranked) == 0 {
			ranked = []any{p.Payload}
		}
		for pos, item := range ranked {
			k := payloadKey(item)
			c, ok := candidates[k]
			if !ok {
				c = &candidate{payload: item}
				candidates[k] = c
				order = append(order, k)
			}
			c.points += len(ranked) - pos
			if pos == 0 {
				c.firstLatency += p.Latency
				if c.firstWorker == "" {
					c.firstWorker = p.WorkerID
				}
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := candidates[order[i]], candidates[order[j]]
		if a.points != b.points {
			return a.points > b.points
		}
		if a.firstLatency != b.firstLatency {
			return a.firstLatency < b.firstLatency
		}
		return order[i] < order[j]
	})

	win := candidates[order[0]]
	total := 0
	for _, c := range candidates {
		total += c.points
	}
	conf := 0.0
	if total > 0 {
		conf = float64(win.points) / float64(total)
	}
	return Outcome{Payload: win.payload, Confidence: conf, WorkerID: win.firstWorker}, nil, nil
}

// weightedAggregator weights each proposal's self-reported confidence by the
// producing worker's historical accuracy prior; the highest weighted score
// wins. Exact score ties escalate.
type weightedAggregator struct {
	priors PriorSource
}

func (weightedAggregator) Policy() core.AggregationPolicy { return core.AggregateWeighted }

func (a weightedAggregator) Aggregate(proposals []Proposal) (Outcome, []int, error) {
	if len(proposals) == 0 {
		return Outcome{}, nil, fmt.Errorf("weighted: %w", core.ErrSwarmNoQuorum)
	}

	prior := func(workerID string) float64 {
		if a.priors == nil {
			return 0.5
		}
		return a.priors.SuccessRate(workerID)
	}

	scores := make([]float64, len(proposals))
	best := 0
	for i, p := range proposals {
		scores[i] = p.Confidence * prior(p.WorkerID)
		if scores[i] > scores[best] {
			best = i
		}
	}

	tied := []int{}
	for i := range proposals {
		if scores[i] == scores[best] {
			tied = append(tied, i)
		}
	}
	if len(tied) > 1 {
		return Outcome{}, tied, nil
	}

	win := proposals[best]
	return Outcome{Payload: win.Payload, Confidence: scores[best], WorkerID: win.WorkerID}, nil, nil
}
