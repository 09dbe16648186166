// Package swarm implements parallel multi-worker execution with result
// reconciliation.
//
// The coordinator fans one step out to N distinct workers advertising the
// required capability, each invocation carrying the same input and an
// independent deadline equal to the step's time budget. Proposals arriving
// after the deadline are discarded; the coordinator never waits past the
// deadline, which bounds worst-case step latency and precludes deadlock.
// Competing proposals are reconciled by a pluggable aggregation policy
// (majority vote, Borda count, weighted confidence); unresolved ties
// escalate to the external validation collaborator acting as arbiter, with a
// deterministic lowest-latency fallback when the arbiter is unavailable.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/router"
)

// Source is the registry surface the coordinator depends on.
type Source interface {
	Candidates(c core.Capability) []core.WorkerRecord
	Worker(id string) (core.Worker, bool)
	ReportResult(id string, dur time.Duration, success bool)
	SuccessRate(workerID string) float64
}

// Config tunes swarm behavior.
type Config struct {
	// DefaultFanout is the number of workers invoked when a step does not
	// declare its own swarm size. Three is the minimum that makes voting
	// meaningful.
	DefaultFanout int
	// DefaultDeadline bounds the wait window when the step declares no
	// time budget.
	DefaultDeadline time.Duration
}

// DefaultConfig provides fan-out defaults.
var DefaultConfig = Config{
	DefaultFanout:   3,
	DefaultDeadline: 60 * time.Second,
}

// Options configures a Coordinator.
type Options struct {
	Config  Config
	Arbiter core.Arbiter
	Logger  logging.Logger
}

// Coordinator fans steps out to worker swarms and reconciles proposals.
type Coordinator struct {
	source  Source
	arbiter core.Arbiter
	cfg     Config
	logger  logging.Logger
}

// New creates a Coordinator backed by the given candidate source.
func New(source Source, optFns ...func(o *Options)) *Coordinator {
	opts := Options{Config: DefaultConfig, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{source: source, arbiter: opts.Arbiter, cfg: opts.Config, logger: opts.Logger}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithArbiter sets the tie-break escalation target.
func WithArbiter(a core.Arbiter) func(o *Options) {
	return func(o *Options) { o.Arbiter = a }
}

// WithLogger sets the coordinator logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Execute runs one swarm round for the request and returns the reconciled
// outcome plus the ballot for audit. Zero proposals before the deadline
// yield core.ErrSwarmNoQuorum, which is eligible for the step's normal retry
// policy rather than being treated as a worker fault.
func (c *Coordinator) Execute(ctx context.Context, req core.DispatchRequest, fanout int, policy core.AggregationPolicy, deadline time.Duration) (Outcome, *Ballot, error) {
	if fanout <= 0 {
		fanout = c.cfg.DefaultFanout
	}
	if deadline <= 0 {
		deadline = c.cfg.DefaultDeadline
	}

	ranked := router.Rank(c.source.Candidates(req.Capability))
	if len(ranked) == 0 {
		return Outcome{}, nil, fmt.Errorf("capability %q: %w", req.Capability, core.ErrNoAvailableWorker)
	}
	if fanout > len(ranked) {
		fanout = len(ranked)
	}
	targets := ranked[:fanout]

	ballot := &Ballot{StepID: req.StepID, Policy: policy, Fanout: fanout}

	roundCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	proposals := c.collect(roundCtx, req, targets)
	ballot.Proposals = proposals

	if len(proposals) == 0 {
		return Outcome{}, ballot, fmt.Errorf("step %s fanout %d: %w", req.StepID, fanout, core.ErrSwarmNoQuorum)
	}

	outcome, err := c.reconcile(ctx, policy, proposals)
	if err != nil {
		return Outcome{}, ballot, err
	}
	ballot.Outcome = &outcome
	return outcome, ballot, nil
}

// collect dispatches to every target concurrently and gathers proposals
// until all respond or the round context expires. Stragglers are cancelled
// with the round context and their late answers discarded.
func (c *Coordinator) collect(roundCtx context.Context, req core.DispatchRequest, targets []core.WorkerRecord) []Proposal {
	proposalCh := make(chan Proposal, len(targets))
	var wg sync.WaitGroup

	for _, rec := range targets {
		w, ok := c.source.Worker(rec.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(w core.Worker) {
			defer wg.Done()
			start := time.Now()
			_, respCh, errCh := w.Dispatch(roundCtx, req)
			// Drained channels are nilled out so a closed error channel
			// cannot shadow a pending response.
			for respCh != nil || errCh != nil {
				select {
				case resp, open := <-respCh:
					if !open {
						respCh = nil
						continue
					}
					latency := time.Since(start)
					c.source.ReportResult(w.ID(), latency, true)
					proposalCh <- Proposal{
						WorkerID:   w.ID(),
						Payload:    resp.Payload,
						Ranked:     resp.Ranked,
						Confidence: resp.Confidence,
						Latency:    latency,
					}
					return
				case err, open := <-errCh:
					if !open {
						errCh = nil
						continue
					}
					c.source.ReportResult(w.ID(), time.Since(start), false)
					c.logger.Warn("swarm invocation failed", "worker_id", w.ID(), "step_id", req.StepID, "error", err)
					return
				case <-roundCtx.Done():
					c.source.ReportResult(w.ID(), time.Since(start), false)
					return
				}
			}
			c.source.ReportResult(w.ID(), time.Since(start), false)
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	proposals := []Proposal{}
	for {
		select {
		case p := <-proposalCh:
			proposals = append(proposals, p)
		case <-done:
			// Drain anything buffered before the last sender exited.
			for {
				select {
				case p := <-proposalCh:
					proposals = append(proposals, p)
				default:
					return proposals
				}
			}
		case <-roundCtx.Done():
			return proposals
		}
	}
}

// reconcile applies the aggregation policy and resolves ties: first by
// escalating to the arbiter, then deterministically by lowest latency with a
// reduced-confidence flag. It never blocks on the arbiter beyond the parent
// context.
func (c *Coordinator) reconcile(ctx context.Context, policy core.AggregationPolicy, proposals []Proposal) (Outcome, error) {
	agg := NewAggregator(policy, c.source)
	outcome, tied, err := agg.Aggregate(proposals)
	if err != nil {
		return Outcome{}, err
	}
	if len(tied) == 0 {
		return outcome, nil
	}

	if c.arbiter != nil {
		payloads := make([]any, len(tied))
		for i, idx := range tied {
			payloads[i] = proposals[idx].Payload
		}
		if pick, err := c.arbiter.Arbitrate(ctx, payloads); err == nil && pick >= 0 && pick < len(tied) {
			win := proposals[tied[pick]]
			return Outcome{Payload: win.Payload, Confidence: win.Confidence, WorkerID: win.WorkerID}, nil
		}
		c.logger.Warn("arbiter unavailable for tie-break", "policy", string(policy), "tied", len(tied))
	}

	// Deterministic fallback: lowest latency among the tied proposals,
	// flagged with reduced confidence rather than blocking.
	best := tied[0]
	for _, idx := range tied[1:] {
		if proposals[idx].Latency < proposals[best].Latency {
			best = idx
		}
	}
	win := proposals[best]
	return Outcome{Payload: win.Payload, Confidence: win.Confidence, WorkerID: win.WorkerID, ReducedConfidence: true}, nil
}
