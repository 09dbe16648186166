package core

import (
	"context"
	"time"
)

// Capability is a declared category of work a worker can perform. The
// well-known set below covers the built-in arm kinds; the type stays an open
// string so operators can register additional capabilities at runtime while
// routing decisions remain statically checkable against the known constants.
type Capability string

const (
	// CapabilityPlan decomposes goals into step DAGs.
	CapabilityPlan Capability = "plan"
	// CapabilityRetrieve performs document / knowledge retrieval.
	CapabilityRetrieve Capability = "retrieve"
	// CapabilityGenerate produces text or code outputs.
	CapabilityGenerate Capability = "generate"
	// CapabilityExecute runs commands or external actions.
	CapabilityExecute Capability = "execute"
	// CapabilityValidate judges candidate results against criteria.
	CapabilityValidate Capability = "validate"
	// CapabilityFilter applies content filtering / redaction.
	CapabilityFilter Capability = "filter"
)

// DispatchRequest is the payload sent to a worker for one step attempt.
type DispatchRequest struct {
	TaskID     string         `json:"task_id"`
	StepID     string         `json:"step_id"`
	Capability Capability     `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	Budget     ResourceBudget `json:"budget"`
	// Credential is the opaque access token the worker presents to
	// downstream services. Issuance is outside the coordination core.
	Credential string `json:"credential,omitempty"`
	// Feedback carries structured repair guidance on re-execution after a
	// validation rejection.
	Feedback string `json:"feedback,omitempty"`
}

// DispatchResponse is a worker's answer for one dispatch.
type DispatchResponse struct {
	Payload    any        `json:"payload"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	// Ranked optionally carries the worker's ranked candidate list for
	// Borda-count aggregation; Payload must equal Ranked[0] when present.
	Ranked []any `json:"ranked,omitempty"`
}

// Worker is the dispatch contract between the routers and one arm.
//
// Dispatch starts processing the request and returns immediately. The ack
// channel is closed once the worker has accepted the work; exactly one value
// then arrives on either the response or the error channel, after which both
// are closed. Implementations must respect ctx cancellation; absence of a
// response within the caller's deadline is treated identically to an
// explicit failure.
type Worker interface {
	ID() string
	Capabilities() map[Capability]string
	Dispatch(ctx context.Context, req DispatchRequest) (ack <-chan struct{}, resp <-chan DispatchResponse, errs <-chan error)
}

// WorkerRecord is the registry's view of one worker. Records are created on
// first registration, updated on heartbeats, marked unavailable after a
// missed-heartbeat threshold, and never hard-deleted.
type WorkerRecord struct {
	ID           string                `json:"id"`
	Capabilities map[Capability]string `json:"capabilities"`

	Load        int           `json:"load"`
	AvgLatency  time.Duration `json:"avg_latency"`
	SuccessRate float64       `json:"success_rate"`

	Available     bool      `json:"available"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	// Seq is the registration order, the final deterministic tie-break in
	// candidate ranking.
	Seq int `json:"seq"`
}

// Advertises reports whether the record declares the capability.
func (r WorkerRecord) Advertises(c Capability) bool {
	_, ok := r.Capabilities[c]
	return ok
}
