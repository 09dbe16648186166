package swarm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Proposal is one worker's answer inside a swarm round, tagged with the
// producing worker and its self-reported confidence.
type Proposal struct {
	WorkerID   string        `json:"worker_id"`
	Payload    any           `json:"payload"`
	Ranked     []any         `json:"ranked,omitempty"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
}

// Outcome is the reconciled answer for a swarm round.
type Outcome struct {
	Payload    any     `json:"payload"`
	Confidence float64 `json:"confidence"`
	// WorkerID identifies the representative proposal behind the outcome.
	WorkerID string `json:"worker_id"`
	// ReducedConfidence marks outcomes chosen by the deterministic
	// lowest-latency fallback when the arbiter could not break a tie.
	ReducedConfidence bool `json:"reduced_confidence,omitempty"`
}

// Ballot is the ephemeral record of one fan-out: the proposals received
// within the wait window plus the chosen aggregation outcome.
type Ballot struct {
	StepID    string                 `json:"step_id"`
	Policy    core.AggregationPolicy `json:"policy"`
	Fanout    int                    `json:"fanout"`
	Proposals []Proposal             `json:"proposals"`
	Outcome   *Outcome               `json:"outcome,omitempty"`
}

// payloadKey renders a payload to its canonical comparison form. Proposals
// are semantically equal iff their keys match; encoding/json sorts map keys
// so map ordering never splits a vote.
func payloadKey(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%#v", payload)
	}
	return string(b)
}
