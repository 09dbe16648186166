package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Handler processes one dispatch for a single capability. It runs on its own
// goroutine and must respect ctx cancellation for long operations.
type Handler func(ctx context.Context, req core.DispatchRequest) (core.DispatchResponse, error)

// FunctionWorker is a generic adapter that exposes plain Go functions as a
// TaskMesh worker, one handler per advertised capability.
//
// A FunctionWorker has no internal mutable state after registration wiring
// and is safe for concurrent use by multiple goroutines. Acknowledgment is
// immediate: the ack channel closes as soon as a handler exists for the
// requested capability, before the handler runs.
type FunctionWorker struct {
	id           string
	capabilities map[core.Capability]string
	handlers     map[core.Capability]Handler
	logger       logging.Logger
}

// FunctionWorkerOptions configures a FunctionWorker.
type FunctionWorkerOptions struct {
	Logger logging.Logger
}

// NewFunctionWorker constructs an empty worker with the given identity.
// Register handlers with Handle before registering the worker.
func NewFunctionWorker(id string, optFns ...func(o *FunctionWorkerOptions)) *FunctionWorker {
	opts := FunctionWorkerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FunctionWorker{
		id:           id,
		capabilities: map[core.Capability]string{},
		handlers:     map[core.Capability]Handler{},
		logger:       opts.Logger,
	}
}

// WithFunctionWorkerLogger sets the worker logger.
func WithFunctionWorkerLogger(l logging.Logger) func(o *FunctionWorkerOptions) {
	return func(o *FunctionWorkerOptions) { o.Logger = l }
}

// Handle advertises a capability backed by fn. The description is surfaced
// through the registry for operators and planners. Returns the worker for
// chaining.
func (w *FunctionWorker) Handle(c core.Capability, description string, fn Handler) *FunctionWorker {
	w.capabilities[c] = description
	w.handlers[c] = fn
	return w
}

// ID returns the worker identity.
func (w *FunctionWorker) ID() string { return w.id }

// Capabilities returns the advertised capability set.
func (w *FunctionWorker) Capabilities() map[core.Capability]string { return w.capabilities }

// Dispatch implements core.Worker. The handler runs on its own goroutine;
// exactly one value arrives on the response or error channel, after which
// both are closed.
func (w *FunctionWorker) Dispatch(ctx context.Context, req core.DispatchRequest) (<-chan struct{}, <-chan core.DispatchResponse, <-chan error) {
	ack := make(chan struct{})
	respCh := make(chan core.DispatchResponse, 1)
	errCh := make(chan error, 1)

	fn, ok := w.handlers[req.Capability]
	if !ok {
		close(ack)
		close(respCh)
		errCh <- fmt.Errorf("worker %s does not handle capability %q", w.id, req.Capability)
		close(errCh)
		return ack, respCh, errCh
	}
	close(ack)

	go func() {
		defer close(respCh)
		defer close(errCh)

		start := time.Now()
		w.logger.Debug("worker.dispatch.start", "worker_id", w.id, "task_id", req.TaskID, "step_id", req.StepID, "capability", string(req.Capability))

		resp, err := fn(ctx, req)
		if err != nil {
			w.logger.Warn("worker.dispatch.error", "worker_id", w.id, "step_id", req.StepID, "error", err)
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}

		resp.Provenance.WorkerID = w.id
		if resp.Provenance.Timestamp.IsZero() {
			resp.Provenance.Timestamp = time.Now().UTC()
		}
		resp.Provenance.Duration = time.Since(start)
		if resp.Confidence == 0 {
			resp.Confidence = 1.0
		}
		resp.Provenance.Confidence = resp.Confidence

		w.logger.Debug("worker.dispatch.success", "worker_id", w.id, "step_id", req.StepID, "duration_ms", time.Since(start).Milliseconds())
		select {
		case respCh <- resp:
		case <-ctx.Done():
		}
	}()

	return ack, respCh, errCh
}
