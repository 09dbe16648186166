package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// systemPrompts are the default instructions per built-in capability for
// LLM-backed workers.
var systemPrompts = map[core.Capability]string{
	core.CapabilityRetrieve: "You retrieve and summarize relevant knowledge for the given input.",
	core.CapabilityGenerate: "You produce the requested text or code output for the given input.",
	core.CapabilityValidate: "You judge whether the given result satisfies the acceptance criteria.",
	core.CapabilityFilter:   "You redact sensitive or disallowed content from the given input.",
	core.CapabilityPlan:     "You decompose the given goal into an ordered list of concrete steps.",
}

// SystemPrompt returns the default system instructions for a capability.
func SystemPrompt(c core.Capability) string {
	if p, ok := systemPrompts[c]; ok {
		return p
	}
	return "You complete the requested unit of work for the given input."
}

// BuildPrompt renders a dispatch request as the user prompt for an
// LLM-backed worker. The model is asked for a JSON envelope so confidence
// and ranked candidates survive the round trip.
func BuildPrompt(req core.DispatchRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capability: %s\n", req.Capability)
	if len(req.Input) > 0 {
		input, err := json.MarshalIndent(req.Input, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Input:\n%s\n", input)
		}
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "A previous attempt was rejected. Address this feedback:\n%s\n", req.Feedback)
	}
	b.WriteString(`Respond with a single JSON object of the form ` +
		`{"payload": <your answer>, "confidence": <number between 0 and 1>, "ranked": [<candidate answers, best first>]}. ` +
		`The "ranked" field is optional.`)
	return b.String()
}

type completionEnvelope struct {
	Payload    any     `json:"payload"`
	Confidence float64 `json:"confidence"`
	Ranked     []any   `json:"ranked"`
}

// ParseCompletion extracts the structured envelope from a completion. Models
// that ignore the envelope instructions degrade gracefully: the raw text
// becomes the payload with a conservative confidence.
func ParseCompletion(text string) (payload any, confidence float64, ranked []any) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var env completionEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Payload != nil {
		if env.Confidence <= 0 || env.Confidence > 1 {
			env.Confidence = 0.7
		}
		if len(env.Ranked) > 0 && env.Ranked[0] == nil {
			env.Ranked = nil
		}
		return env.Payload, env.Confidence, env.Ranked
	}
	return text, 0.7, nil
}
