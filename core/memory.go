package core

import (
	"context"
	"time"
)

// MemoryScope distinguishes shared knowledge from a worker's private
// episodic records.
type MemoryScope string

const (
	// ScopeShared marks entries in the shared knowledge store. Writes are
	// accepted only through the task state machine's result integration.
	ScopeShared MemoryScope = "shared"
	// ScopeEpisodic marks entries owned by a single worker.
	ScopeEpisodic MemoryScope = "episodic"
)

// MemoryKind categorizes what an entry records.
type MemoryKind string

const (
	// KindFact is a structured entity fact.
	KindFact MemoryKind = "fact"
	// KindRelationship links two entities.
	KindRelationship MemoryKind = "relationship"
	// KindEpisode is an experiential record from one worker.
	KindEpisode MemoryKind = "episode"
)

// MemoryEntry is one shared fact, relationship or episodic record.
//
/// Version is the optimistic-concurrency sequence number for shared writes: a
// write must present the version it read, and the store rejects stale
// versions with ErrVersionConflict instead of overwriting.
type MemoryEntry struct {
	ID         string         `json:"id"`
	Scope      MemoryScope    `json:"scope"`
	Kind       MemoryKind     `json:"kind"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Entity     string         `json:"entity"`
	Payload    map[string]any `json:"payload,omitempty"`
	Provenance Provenance     `json:"provenance"`
	Version    uint64         `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// QueryHint is the caller-supplied classification of a memory query. When
// absent the router falls back to a keyword heuristic.
type QueryHint string

const (
	// HintNone requests heuristic classification.
	HintNone QueryHint = ""
	// HintShared targets the shared knowledge store.
	HintShared QueryHint = "shared"
	// HintEpisodic targets a worker's episodic store.
	HintEpisodic QueryHint = "episodic"
)

// MemoryQuery describes one read through the memory router.
type MemoryQuery struct {
	Hint    QueryHint `json:"hint,omitempty"`
	Text    string    `json:"text,omitempty"`
	Entity  string    `json:"entity,omitempty"`
	OwnerID string    `json:"owner_id,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// SharedStore persists versioned shared knowledge. It is the sole source of
// truth for shared state; the cache in front of it is best-effort only.
type SharedStore interface {
	// Get returns the current entry for an entity or ErrEntryNotFound.
	Get(ctx context.Context, entity string) (MemoryEntry, error)
	// Put writes entry if expectVersion matches the stored version
	// (0 for a fresh entity) and returns the new version. A stale
	// expectVersion yields ErrVersionConflict and no mutation.
	Put(ctx context.Context, entry MemoryEntry, expectVersion uint64) (uint64, error)
	// Query returns entries whose entity or payload matches the query
	// text, most recently updated first, up to limit.
	Query(ctx context.Context, text string, limit int) ([]MemoryEntry, error)
}

// EpisodicStore persists per-worker experiential records, retrieved by
// similarity to a query string.
type EpisodicStore interface {
	Append(ctx context.Context, entry MemoryEntry) error
	Search(ctx context.Context, ownerID, text string, limit int) ([]MemoryEntry, error)
}

// Cache is the fast lookup layer in front of the backing stores. Entries are
// keyed by request fingerprint and indexed by the entities they were derived
// from so writes can invalidate eagerly. A miss must always be resolvable by
// falling through to the backing store.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (any, bool)
	Set(ctx context.Context, fingerprint string, value any, ttl time.Duration, entities []string)
	Invalidate(ctx context.Context, fingerprint string)
	InvalidateEntities(ctx context.Context, entities []string)
}
