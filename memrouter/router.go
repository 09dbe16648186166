// Package memrouter implements the memory access routing and policy layer.
//
// Every read and write of task knowledge passes through the Router, which
// classifies queries as shared or episodic, consults the cache before the
// backing stores, and enforces the data-diode write policy: workers may
// write only their own episodic scope, and shared knowledge is mutated
// solely through the task state machine's result integration, applied with
// optimistic-concurrency version checks. Shared reads are filtered through
// the external redaction collaborator before being returned. The cache is a
// best-effort accelerator; the backing stores are the sole source of truth.
package memrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Config tunes cache validity windows and write-conflict retries.
type Config struct {
	// ReadTTL is the cache validity window for query reads.
	ReadTTL time.Duration
	// ResultTTL is the validity window for completed task results; an
	// identical request inside the window is served without re-executing.
	ResultTTL time.Duration
	// WriteRetries bounds refresh-and-retry rounds on a shared write
	// before core.ErrConcurrentWriteConflict surfaces.
	WriteRetries int
}

// DefaultConfig provides short local-use windows.
var DefaultConfig = Config{
	ReadTTL:      5 * time.Minute,
	ResultTTL:    10 * time.Minute,
	WriteRetries: 3,
}

// Options configures a Router.
type Options struct {
	Config   Config
	Redactor core.Redactor
	Logger   logging.Logger
}

// Router mediates all memory access for the coordination core.
type Router struct {
	shared   core.SharedStore
	episodic core.EpisodicStore
	cache    core.Cache
	redactor core.Redactor
	cfg      Config
	logger   logging.Logger
}

// New creates a Router over the given stores.
func New(shared core.SharedStore, episodic core.EpisodicStore, cache core.Cache, optFns ...func(o *Options)) *Router {
	opts := Options{Config: DefaultConfig, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.WriteRetries <= 0 {
		opts.Config.WriteRetries = DefaultConfig.WriteRetries
	}
	return &Router{
		shared:   shared,
		episodic: episodic,
		cache:    cache,
		redactor: opts.Redactor,
		cfg:      opts.Config,
		logger:   opts.Logger,
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithRedactor sets the content-filtering collaborator applied to shared reads.
func WithRedactor(r core.Redactor) func(o *Options) {
	return func(o *Options) { o.Redactor = r }
}

// WithLogger sets the router logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// queryFingerprint keys the cache for one read.
func queryFingerprint(scope core.MemoryScope, q core.MemoryQuery) string {
	return core.Fingerprint(q.Text, map[string]any{
		"scope": string(scope),
		"owner": q.OwnerID,
		"limit": q.Limit,
	})
}

// Read resolves a query: classify, consult the cache, fall through to the
// backing store on a miss and populate the cache with a TTL. Shared results
// pass through the redactor before being returned or cached.
func (r *Router) Read(ctx context.Context, q core.MemoryQuery) ([]core.MemoryEntry, error) {
	scope := Classify(q)
	fp := queryFingerprint(scope, q)

	start := time.Now()
	if cached, ok := r.cache.Get(ctx, fp); ok {
		if entries, ok := cached.([]core.MemoryEntry); ok {
			r.log("read", scope, true, start, nil)
			return entries, nil
		}
	}

	var (
		entries []core.MemoryEntry
		err     error
	)
	switch scope {
	case core.ScopeEpisodic:
		entries, err = r.episodic.Search(ctx, q.OwnerID, q.Text, q.Limit)
	default:
		entries, err = r.shared.Query(ctx, q.Text, q.Limit)
		if err == nil && r.redactor != nil {
			entries, err = r.redactor.Redact(ctx, entries)
		}
	}
	if err != nil {
		r.log("read", scope, false, start, err)
		return nil, err
	}

	entities := make([]string, 0, len(entries))
	for _, e := range entries {
		entities = append(entities, e.Entity)
	}
	r.cache.Set(ctx, fp, entries, r.cfg.ReadTTL, entities)
	r.log("read", scope, false, start, nil)
	return entries, nil
}

// GetShared reads one shared entity through the redaction filter, bypassing
// the cache. Used by integration to seed step context.
func (r *Router) GetShared(ctx context.Context, entity string) (core.MemoryEntry, error) {
	entry, err := r.shared.Get(ctx, entity)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	if r.redactor != nil {
		filtered, err := r.redactor.Redact(ctx, []core.MemoryEntry{entry})
		if err != nil {
			return core.MemoryEntry{}, err
		}
		if len(filtered) == 0 {
			return core.MemoryEntry{}, fmt.Errorf("entity %q: %w", entity, core.ErrEntryNotFound)
		}
		entry = filtered[0]
	}
	return entry, nil
}

// WriteEpisodic appends an entry to the owner's episodic scope. This is the
// only write path available to workers; attempts to smuggle shared-scope
// entries through it violate the data diode and are rejected.
func (r *Router) WriteEpisodic(ctx context.Context, entry core.MemoryEntry) error {
	if entry.Scope == core.ScopeShared {
		return fmt.Errorf("episodic write with shared scope: %w", core.ErrScopeViolation)
	}
	if entry.OwnerID == "" {
		return fmt.Errorf("episodic write without owner: %w", core.ErrScopeViolation)
	}
	entry.Scope = core.ScopeEpisodic
	return r.episodic.Append(ctx, entry)
}

// IntegrateShared applies result entries to the shared store. Only the task
// state machine's result-integration step calls this. Each entry is written
// transactionally with an optimistic-concurrency version check: on a
// stale-version rejection the write is retried against the refreshed
// version, never silently overwritten, until the retry budget exhausts with
// core.ErrConcurrentWriteConflict. Cache entries derived from the touched
// entities are invalidated eagerly.
func (r *Router) IntegrateShared(ctx context.Context, entries []core.MemoryEntry) error {
	touched := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Scope == core.ScopeEpisodic {
			return fmt.Errorf("shared integration with episodic scope: %w", core.ErrScopeViolation)
		}
		entry.Scope = core.ScopeShared
		if err := r.putWithRetry(ctx, entry); err != nil {
			return err
		}
		touched = append(touched, entry.Entity)
	}
	r.cache.InvalidateEntities(ctx, touched)
	return nil
}

// putWithRetry performs the refresh-and-retry OCC loop for one entry.
func (r *Router) putWithRetry(ctx context.Context, entry core.MemoryEntry) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.WriteRetries; attempt++ {
		version := uint64(0)
		current, err := r.shared.Get(ctx, entry.Entity)
		switch {
		case err == nil:
			version = current.Version
		case errors.Is(err, core.ErrEntryNotFound):
			// fresh entity
		default:
			return err
		}

		if _, err := r.shared.Put(ctx, entry, version); err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				lastErr = err
				continue // refresh and retry against the new version
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("entity %q after %d retries: %w (%v)", entry.Entity, r.cfg.WriteRetries, core.ErrConcurrentWriteConflict, lastErr)
}

// LookupResult returns the completed task result cached for a fingerprint,
// if still inside the validity window. Repeated identical requests inside
// the window are served without re-dispatching any work.
func (r *Router) LookupResult(ctx context.Context, fingerprint string) (core.TaskResult, bool) {
	cached, ok := r.cache.Get(ctx, fingerprint)
	if !ok {
		return core.TaskResult{}, false
	}
	result, ok := cached.(core.TaskResult)
	if !ok {
		return core.TaskResult{}, false
	}
	result.FromCache = true
	return result, true
}

// StoreResult caches a completed task result under its request fingerprint
// and records an audit entry in the shared store.
func (r *Router) StoreResult(ctx context.Context, fingerprint string, result core.TaskResult) error {
	entity := "task_result:" + fingerprint
	err := r.putWithRetry(ctx, core.MemoryEntry{
		Scope:      core.ScopeShared,
		Kind:       core.KindFact,
		Entity:     entity,
		Payload:    map[string]any{"payload": result.Payload, "confidence": result.Confidence},
		Provenance: result.Provenance,
	})
	if err != nil {
		return err
	}
	r.cache.Set(ctx, fingerprint, result, r.cfg.ResultTTL, []string{entity})
	return nil
}

func (r *Router) log(op string, scope core.MemoryScope, hit bool, start time.Time, err error) {
	if err != nil {
		r.logger.Warn("memory operation failed", "operation", op, "scope", string(scope), "error", err)
		return
	}
	r.logger.Debug("memory operation", "operation", op, "scope", string(scope), "cache_hit", hit, "duration", time.Since(start))
}
