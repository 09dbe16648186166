// Package openai provides an LLM-backed worker on the OpenAI Chat
// Completions API using the official client.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/worker"
	"github.com/openai/openai-go"
)

// Options configure the OpenAI worker. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Capabilities        map[core.Capability]string
	// System overrides the per-capability default instructions.
	System string
}

// Worker dispatches step attempts to the OpenAI Chat Completions API.
type Worker struct {
	id     string
	client *openai.Client
	opts   Options
}

// New creates a worker using the official client.
func New(id string, optFns ...func(o *Options)) *Worker {
	client := openai.NewClient()
	return NewFromClient(id, &client, optFns...)
}

// NewFromClient creates a worker from an existing client.
func NewFromClient(id string, client *openai.Client, optFns ...func(o *Options)) *Worker {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Capabilities: map[core.Capability]string{
			core.CapabilityGenerate: "LLM text and code generation",
			core.CapabilityRetrieve: "LLM knowledge retrieval and summarization",
		},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{id: id, client: client, opts: opts}
}

// WithModel sets the model id.
func WithModel(m string) func(o *Options) {
	return func(o *Options) { o.Model = m }
}

// WithCapabilities replaces the advertised capability set.
func WithCapabilities(caps map[core.Capability]string) func(o *Options) {
	return func(o *Options) { o.Capabilities = caps }
}

// WithSystem overrides the system instructions.
func WithSystem(system string) func(o *Options) {
	return func(o *Options) { o.System = system }
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// Capabilities returns the advertised capability set.
func (w *Worker) Capabilities() map[core.Capability]string { return w.opts.Capabilities }

// Dispatch implements core.Worker. Acknowledgment is immediate; the API
// round trip runs on its own goroutine.
func (w *Worker) Dispatch(ctx context.Context, req core.DispatchRequest) (<-chan struct{}, <-chan core.DispatchResponse, <-chan error) {
	ack := make(chan struct{})
	respCh := make(chan core.DispatchResponse, 1)
	errCh := make(chan error, 1)
	close(ack)

	go func() {
		defer close(respCh)
		defer close(errCh)

		start := time.Now()

		maxTokens := w.opts.MaxCompletionTokens
		if req.Budget.MaxTokens > 0 && int64(req.Budget.MaxTokens) < maxTokens {
			maxTokens = int64(req.Budget.MaxTokens)
		}

		system := w.opts.System
		if system == "" {
			system = worker.SystemPrompt(req.Capability)
		}

		params := openai.ChatCompletionNewParams{
			Model: w.opts.Model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(worker.BuildPrompt(req)),
			},
			Temperature:         openai.Float(w.opts.Temperature),
			MaxCompletionTokens: openai.Int(maxTokens),
		}

		resp, err := w.client.Chat.Completions.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("openai api error: %w", err)
			return
		}
		if len(resp.Choices) == 0 {
			errCh <- fmt.Errorf("openai api: no choices returned")
			return
		}

		payload, confidence, ranked := worker.ParseCompletion(resp.Choices[0].Message.Content)
		respCh <- core.DispatchResponse{
			Payload:    payload,
			Confidence: confidence,
			Ranked:     ranked,
			Provenance: core.Provenance{
				WorkerID:   w.id,
				Timestamp:  time.Now().UTC(),
				Duration:   time.Since(start),
				Confidence: confidence,
			},
		}
	}()

	return ack, respCh, errCh
}
