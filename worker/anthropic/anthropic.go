// Package anthropic provides an LLM-backed worker on the Anthropic Claude
// Messages API using the official client.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/worker"
)

// Options configures the Anthropic worker (model id, temperature, max
// tokens, API key, advertised capabilities). Extend via functional options
// to preserve stability.
type Options struct {
	Model        anthropic.Model
	Temperature  float64
	MaxTokens    int64
	APIKey       string
	Capabilities map[core.Capability]string
	// System overrides the per-capability default instructions.
	System string
}

// Worker dispatches step attempts to the Anthropic Messages API.
type Worker struct {
	id     string
	client *anthropic.Client
	opts   Options
}

// New creates a worker using the official client.
func New(id string, optFns ...func(o *Options)) *Worker {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Worker{id: id, client: &client, opts: opts}
}

// NewFromClient creates a worker from an existing client.
func NewFromClient(id string, client *anthropic.Client, optFns ...func(o *Options)) *Worker {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{id: id, client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Capabilities: map[core.Capability]string{
			core.CapabilityGenerate: "LLM text and code generation",
			core.CapabilityRetrieve: "LLM knowledge retrieval and summarization",
		},
	}
}

// WithModel sets the model id.
func WithModel(m anthropic.Model) func(o *Options) {
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
// round trip runs on its own goroutine and respects ctx cancellation through
// the client.
func (w *Worker) Dispatch(ctx context.Context, req core.DispatchRequest) (<-chan struct{}, <-chan core.DispatchResponse, <-chan error) {
	ack := make(chan struct{})
	respCh := make(chan core.DispatchResponse, 1)
	errCh := make(chan error, 1)
	close(ack)

	go func() {
		defer close(respCh)
		defer close(errCh)

		start := time.Now()

		maxTokens := w.opts.MaxTokens
		if req.Budget.MaxTokens > 0 && int64(req.Budget.MaxTokens) < maxTokens {
			maxTokens = int64(req.Budget.MaxTokens)
		}

		system := w.opts.System
		if system == "" {
			system = worker.SystemPrompt(req.Capability)
		}

		params := anthropic.MessageNewParams{
			Model:       w.opts.Model,
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(w.opts.Temperature),
			System:      []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(worker.BuildPrompt(req))),
			},
		}

		resp, err := w.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.AsText().Text)
			}
		}

		payload, confidence, ranked := worker.ParseCompletion(text.String())
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
