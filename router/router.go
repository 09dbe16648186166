// Package router implements capability-based worker selection and the
// single-worker dispatch path.
//
// Given a step's required capability the router ranks healthy registry
// candidates by (lowest current load, then lowest rolling latency, then
// registration order) and dispatches to the top candidate. A candidate that
// fails to acknowledge within the ack timeout, or to respond within the step
// deadline, is abandoned and the next-ranked candidate is tried, bounded by
// the step's attempt budget. Retry behavior is driven by an explicit
// core.RetryPolicy, never by unbounded waits.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Source is the registry surface the router depends on.
type Source interface {
	Candidates(c core.Capability) []core.WorkerRecord
	Worker(id string) (core.Worker, bool)
	ReportResult(id string, dur time.Duration, success bool)
}

// Config tunes dispatch timing.
type Config struct {
	// AckTimeout bounds the wait for a worker to accept a dispatch before
	// the router moves to the next-ranked candidate.
	AckTimeout time.Duration
	// DefaultStepTimeout bounds one dispatch attempt when the step does
	// not declare its own timeout.
	DefaultStepTimeout time.Duration
	// Retry is the backoff schedule applied between ranking passes.
	Retry core.RetryPolicy
}

// DefaultConfig provides conservative dispatch timing defaults.
var DefaultConfig = Config{
	AckTimeout:         2 * time.Second,
	DefaultStepTimeout: 60 * time.Second,
	Retry:              core.DefaultRetryPolicy,
}

// Options configures a Router.
type Options struct {
	Config Config
	Logger logging.Logger
}

// Router selects and dispatches to single workers.
type Router struct {
	source Source
	cfg    Config
	logger logging.Logger
}

// New creates a Router backed by the given candidate source.
func New(source Source, optFns ...func(o *Options)) *Router {
	opts := Options{Config: DefaultConfig, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{source: source, cfg: opts.Config, logger: opts.Logger}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithLogger sets the router logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Rank orders candidate records by lowest load, then lowest rolling
// latency, then registration order. The result is fully deterministic for a
// given snapshot.
func Rank(records []core.WorkerRecord) []core.WorkerRecord {
	out := make([]core.WorkerRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		if out[i].AvgLatency != out[j].AvgLatency {
			return out[i].AvgLatency < out[j].AvgLatency
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Dispatch routes one step attempt to the best available worker.
//
// maxAttempts bounds worker tries across ranking passes; timeout bounds each
// individual attempt (zero means the configured default). The returned
// response carries the producing worker's provenance. Errors wrap
// core.ErrNoAvailableWorker when no healthy candidate exists and
// core.ErrDispatchTimeout when candidates were tried but none responded in
// time.
func (r *Router) Dispatch(ctx context.Context, req core.DispatchRequest, maxAttempts int, timeout time.Duration) (core.DispatchResponse, error) {
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.Retry.MaxAttempts
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultStepTimeout
	}

	attempt := 0
	var lastErr error
	for attempt < maxAttempts {
		candidates := Rank(r.source.Candidates(req.Capability))
		if len(candidates) == 0 {
			if lastErr != nil {
				return core.DispatchResponse{}, lastErr
			}
			return core.DispatchResponse{}, fmt.Errorf("capability %q: %w", req.Capability, core.ErrNoAvailableWorker)
		}

		for _, rec := range candidates {
			if attempt >= maxAttempts {
				break
			}
			attempt++

			if delay := r.cfg.Retry.Delay(attempt); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return core.DispatchResponse{}, ctx.Err()
				}
			}

			resp, err := r.tryWorker(ctx, rec.ID, req, timeout)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return core.DispatchResponse{}, ctx.Err()
			}
			r.logger.Warn("dispatch attempt failed", "worker_id", rec.ID, "step_id", req.StepID, "attempt", attempt, "error", err)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("capability %q: %w", req.Capability, core.ErrNoAvailableWorker)
	}
	return core.DispatchResponse{}, lastErr
}

// tryWorker dispatches to one worker, enforcing the ack timeout and the
// attempt deadline. Outcomes are folded into the worker's rolling stats.
func (r *Router) tryWorker(ctx context.Context, workerID string, req core.DispatchRequest, timeout time.Duration) (core.DispatchResponse, error) {
	w, ok := r.source.Worker(workerID)
	if !ok {
		return core.DispatchResponse{}, fmt.Errorf("worker %s has no live handle: %w", workerID, core.ErrNoAvailableWorker)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ack, respCh, errCh := w.Dispatch(attemptCtx, req)

	select {
	case <-ack:
	case <-time.After(r.cfg.AckTimeout):
		cancel()
		r.source.ReportResult(workerID, time.Since(start), false)
		return core.DispatchResponse{}, fmt.Errorf("worker %s did not acknowledge: %w", workerID, core.ErrDispatchTimeout)
	case <-attemptCtx.Done():
		r.source.ReportResult(workerID, time.Since(start), false)
		return core.DispatchResponse{}, fmt.Errorf("worker %s: %w", workerID, core.ErrDispatchTimeout)
	}

	// A closed channel must not shadow the value pending on its sibling, so
	// drained channels are nilled out instead of ending the wait.
	for {
		select {
		case resp, open := <-respCh:
			if !open {
				respCh = nil
				if errCh == nil {
					r.source.ReportResult(workerID, time.Since(start), false)
					return core.DispatchResponse{}, fmt.Errorf("worker %s closed without response: %w", workerID, core.ErrDispatchTimeout)
				}
				continue
			}
			elapsed := time.Since(start)
			r.source.ReportResult(workerID, elapsed, true)
			if resp.Provenance.WorkerID == "" {
				resp.Provenance.WorkerID = workerID
			}
			if resp.Provenance.Timestamp.IsZero() {
				resp.Provenance.Timestamp = time.Now().UTC()
			}
			if resp.Provenance.Duration == 0 {
				resp.Provenance.Duration = elapsed
			}
			return resp, nil
		case err, open := <-errCh:
			if !open {
				errCh = nil
				if respCh == nil {
					r.source.ReportResult(workerID, time.Since(start), false)
					return core.DispatchResponse{}, fmt.Errorf("worker %s closed without response: %w", workerID, core.ErrDispatchTimeout)
				}
				continue
			}
			r.source.ReportResult(workerID, time.Since(start), false)
			return core.DispatchResponse{}, fmt.Errorf("worker %s: %w", workerID, err)
		case <-attemptCtx.Done():
			r.source.ReportResult(workerID, time.Since(start), false)
			return core.DispatchResponse{}, fmt.Errorf("worker %s exceeded deadline: %w", workerID, core.ErrDispatchTimeout)
		}
	}
}
