package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// InMemorySharedStore is a process-local core.SharedStore keyed by entity.
// Writes enforce optimistic-concurrency versioning: a put must present the
// version it read (0 for a fresh entity) and stale versions are rejected
// with core.ErrVersionConflict, never silently overwritten.
type InMemorySharedStore struct {
	mu      sync.RWMutex
	entries map[string]core.MemoryEntry
}

// NewInMemorySharedStore creates an empty shared store.
func NewInMemorySharedStore() *InMemorySharedStore {
	return &InMemorySharedStore{entries: map[string]core.MemoryEntry{}}
}

// Get returns the current entry for an entity.
func (s *InMemorySharedStore) Get(_ context.Context, entity string) (core.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entity]
	if !ok {
		return core.MemoryEntry{}, fmt.Errorf("entity %q: %w", entity, core.ErrEntryNotFound)
	}
	return e, nil
}

// Put writes entry under its entity if expectVersion matches the stored
// version, returning the new version.
func (s *InMemorySharedStore) Put(_ context.Context, entry core.MemoryEntry, expectVersion uint64) (uint64, error) {
	if entry.Entity == "" {
		return 0, fmt.Errorf("put: entry must name an entity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[entry.Entity]
	currentVersion := uint64(0)
	if exists {
		currentVersion = current.Version
	}
	if expectVersion != currentVersion {
		return 0, fmt.Errorf("entity %q at v%d, write expected v%d: %w", entry.Entity, currentVersion, expectVersion, core.ErrVersionConflict)
	}

	entry.Scope = core.ScopeShared
	entry.Version = currentVersion + 1
	entry.UpdatedAt = time.Now().UTC()
	if entry.ID == "" {
		entry.ID = core.NewID()
	}
	s.entries[entry.Entity] = entry
	return entry.Version, nil
}

// Query returns entries whose entity or payload text contains the query
// string, most recently updated first.
func (s *InMemorySharedStore) Query(_ context.Context, text string, limit int) ([]core.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(text)
	out := []core.MemoryEntry{}
	for _, e := range s.entries {
		if needle == "" || strings.Contains(strings.ToLower(e.Entity), needle) || payloadContains(e.Payload, needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func payloadContains(payload map[string]any, needle string) bool {
	for _, v := range payload {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// InMemoryEpisodicStore is a process-local core.EpisodicStore. Search is a
// linear substring scan; swap for a vector store when semantic retrieval is
// required.
type InMemoryEpisodicStore struct {
	mu       sync.RWMutex
	episodes map[string][]core.MemoryEntry // ownerID -> append-only episodes
}

// NewInMemoryEpisodicStore creates an empty episodic store.
func NewInMemoryEpisodicStore() *InMemoryEpisodicStore {
	return &InMemoryEpisodicStore{episodes: map[string][]core.MemoryEntry{}}
}

// Append stores one episode under its owner.
func (s *InMemoryEpisodicStore) Append(_ context.Context, entry core.MemoryEntry) error {
	if entry.OwnerID == "" {
		return fmt.Errorf("append: episodic entry must have an owner")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Scope = core.ScopeEpisodic
	entry.UpdatedAt = time.Now().UTC()
	if entry.ID == "" {
		entry.ID = core.NewID()
	}
	s.episodes[entry.OwnerID] = append(s.episodes[entry.OwnerID], entry)
	return nil
}

// Search returns the owner's episodes matching the query text, newest first.
func (s *InMemoryEpisodicStore) Search(_ context.Context, ownerID, text string, limit int) ([]core.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(text)
	all := s.episodes[ownerID]
	out := []core.MemoryEntry{}
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if needle == "" || strings.Contains(strings.ToLower(e.Entity), needle) || payloadContains(e.Payload, needle) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type cacheItem struct {
	value     any
	expiresAt time.Time
	entities  []string
}

// InMemoryCache is a process-local core.Cache with passive TTL expiry and
// eager entity-indexed invalidation. It is a best-effort accelerator only;
// the backing stores remain the source of truth.
type InMemoryCache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	// byEntity indexes fingerprints by the entities their values were
	// derived from, enabling event-based invalidation on writes.
	byEntity map[string]map[string]struct{}
}

// NewInMemoryCache creates an empty cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{items: map[string]cacheItem{}, byEntity: map[string]map[string]struct{}{}}
}

// Get returns the cached value for a fingerprint if present and unexpired.
func (c *InMemoryCache) Get(_ context.Context, fingerprint string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.removeLocked(fingerprint)
		return nil, false
	}
	return item.value, true
}

// Set stores value under fingerprint with the given TTL, indexed by the
// entities it was derived from.
func (c *InMemoryCache) Set(_ context.Context, fingerprint string, value any, ttl time.Duration, entities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(fingerprint)
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.items[fingerprint] = cacheItem{value: value, expiresAt: expires, entities: entities}
	for _, entity := range entities {
		if c.byEntity[entity] == nil {
			c.byEntity[entity] = map[string]struct{}{}
		}
		c.byEntity[entity][fingerprint] = struct{}{}
	}
}

// Invalidate drops one fingerprint.
func (c *InMemoryCache) Invalidate(_ context.Context, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(fingerprint)
}

// InvalidateEntities eagerly drops every fingerprint derived from any of the
// given entities.
func (c *InMemoryCache) InvalidateEntities(_ context.Context, entities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entity := range entities {
		for fp := range c.byEntity[entity] {
			c.removeLocked(fp)
		}
	}
}

func (c *InMemoryCache) removeLocked(fingerprint string) {
	item, ok := c.items[fingerprint]
	if !ok {
		return
	}
	delete(c.items, fingerprint)
	for _, entity := range item.entities {
		if set := c.byEntity[entity]; set != nil {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byEntity, entity)
			}
		}
	}
}
