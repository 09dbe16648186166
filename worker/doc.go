// Package worker provides Worker implementations for the coordination core.
//
// FunctionWorker adapts plain Go functions into dispatchable workers and is
// the building block for local arms and tests. The anthropic and openai
// subpackages provide LLM-backed workers on the official provider SDKs.
package worker
