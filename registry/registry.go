// Package registry implements the capability registry: it tracks which
// workers exist, which capabilities they advertise, and their live load and
// health derived from heartbeats.
//
// Records are mutated only by registration, heartbeat and result-report
// events; routers read consistent snapshots. A worker that misses enough
// heartbeats is marked unavailable but its record is never deleted, so its
// history remains available for ranking and audit.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Config tunes heartbeat bookkeeping and the rolling statistics.
type Config struct {
	// HeartbeatInterval is the expected cadence of worker heartbeats.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals may lapse before a worker is
	// marked unavailable.
	MissedHeartbeats int
	// StatsAlpha is the EWMA smoothing factor for latency and success
	// rate, in (0, 1]. Higher values weight recent observations more.
	StatsAlpha float64
}

// DefaultConfig provides sensible defaults for local and test use.
var DefaultConfig = Config{
	HeartbeatInterval: 5 * time.Second,
	MissedHeartbeats:  3,
	StatsAlpha:        0.2,
}

// Options configures a Registry.
type Options struct {
	Config Config
	Logger logging.Logger
}

// Registry is the authoritative owner of WorkerRecord state.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*core.WorkerRecord
	workers map[string]core.Worker
	nextSeq int

	cfg    Config
	logger logging.Logger
}

// New creates a Registry with optional functional configuration.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Config: DefaultConfig, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.StatsAlpha <= 0 || opts.Config.StatsAlpha > 1 {
		opts.Config.StatsAlpha = DefaultConfig.StatsAlpha
	}
	return &Registry{
		records: map[string]*core.WorkerRecord{},
		workers: map[string]core.Worker{},
		cfg:     opts.Config,
		logger:  opts.Logger,
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithLogger sets the registry logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Register adds a worker or refreshes an existing registration. The first
// registration fixes the record's Seq, the deterministic ranking tie-break.
func (r *Registry) Register(w core.Worker) error {
	if w == nil || w.ID() == "" {
		return fmt.Errorf("register: worker must have an id")
	}
	caps := w.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("register: worker %s advertises no capabilities", w.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rec, exists := r.records[w.ID()]
	if !exists {
		rec = &core.WorkerRecord{
			ID:           w.ID(),
			SuccessRate:  0.5, // neutral prior until observations arrive
			RegisteredAt: now,
			Seq:          r.nextSeq,
		}
		r.nextSeq++
		r.records[w.ID()] = rec
	}
	rec.Capabilities = caps
	rec.Available = true
	rec.LastHeartbeat = now
	r.workers[w.ID()] = w

	r.logger.Info("worker registered", "worker_id", w.ID(), "capabilities", len(caps))
	return nil
}

// Heartbeat refreshes a worker's liveness and reported load.
func (r *Registry) Heartbeat(workerID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[workerID]
	if !ok {
		return fmt.Errorf("heartbeat: unknown worker %s", workerID)
	}
	rec.Load = load
	rec.Available = true
	rec.LastHeartbeat = time.Now().UTC()
	return nil
}

// ReportResult folds one dispatch outcome into the worker's rolling latency
// and success-rate statistics.
func (r *Registry) ReportResult(workerID string, dur time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[workerID]
	if !ok {
		return
	}
	a := r.cfg.StatsAlpha
	if rec.AvgLatency == 0 {
		rec.AvgLatency = dur
	} else {
		rec.AvgLatency = time.Duration((1-a)*float64(rec.AvgLatency) + a*float64(dur))
	}
	observed := 0.0
	if success {
		observed = 1.0
	}
	rec.SuccessRate = (1-a)*rec.SuccessRate + a*observed
}

// Sweep marks workers unavailable whose last heartbeat is older than the
// missed-heartbeat threshold. It returns how many records were demoted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := time.Duration(r.cfg.MissedHeartbeats) * r.cfg.HeartbeatInterval
	demoted := 0
	for _, rec := range r.records {
		if rec.Available && now.Sub(rec.LastHeartbeat) > threshold {
			rec.Available = false
			demoted++
			r.logger.Warn("worker marked unavailable", "worker_id", rec.ID)
		}
	}
	return demoted
}

// Run sweeps on the heartbeat interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now.UTC())
		}
	}
}

// Candidates returns copies of the healthy records advertising the
// capability. Ranking is the router's concern; ordering here is unspecified.
func (r *Registry) Candidates(c core.Capability) []core.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.WorkerRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Available && rec.Advertises(c) {
			out = append(out, *rec)
		}
	}
	return out
}

// Worker returns the live dispatch handle for a registered worker.
func (r *Registry) Worker(id string) (core.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Record returns a copy of one worker's record.
func (r *Registry) Record(id string) (core.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return core.WorkerRecord{}, false
	}
	return *rec, true
}

// SuccessRate returns the worker's rolling accuracy prior, or the neutral
// 0.5 for unknown workers. Used by weighted-confidence aggregation.
func (r *Registry) SuccessRate(workerID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[workerID]; ok {
		return rec.SuccessRate
	}
	return 0.5
}

// Capabilities returns the distinct capabilities currently advertised by
// available workers, the catalogue handed to the planning collaborator.
func (r *Registry) Capabilities() []core.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[core.Capability]bool{}
	out := []core.Capability{}
	for _, rec := range r.records {
		if !rec.Available {
			continue
		}
		for c := range rec.Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Covers reports whether every given capability has at least one available
// worker. The missing capability (if any) is returned for error context.
func (r *Registry) Covers(caps []core.Capability) (core.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range caps {
		found := false
		for _, rec := range r.records {
			if rec.Available && rec.Advertises(c) {
				found = true
				break
			}
		}
		if !found {
			return c, false
		}
	}
	return "", true
}

// Snapshot returns copies of all records, including unavailable ones, for
// status and audit surfaces.
func (r *Registry) Snapshot() []core.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.WorkerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
