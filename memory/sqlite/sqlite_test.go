package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "taskmesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	v, err := s.Put(ctx, core.MemoryEntry{
		Entity:  "topic:tides",
		Kind:    core.KindFact,
		Payload: map[string]any{"text": "tides are caused by the moon"},
		Provenance: core.Provenance{
			WorkerID:   "w1",
			Confidence: 0.9,
		},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	e, err := s.Get(ctx, "topic:tides")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, core.KindFact, e.Kind)
	assert.Equal(t, "w1", e.Provenance.WorkerID)
	assert.Equal(t, "tides are caused by the moon", e.Payload["text"])
}

func TestGetUnknownEntity(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrEntryNotFound))
}

func TestStaleVersionRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, core.MemoryEntry{Entity: "e", Payload: map[string]any{"n": 1.0}}, 0)
	require.NoError(t, err)

	_, err = s.Put(ctx, core.MemoryEntry{Entity: "e", Payload: map[string]any{"n": 2.0}}, 0)
	assert.True(t, errors.Is(err, core.ErrVersionConflict))

	// The accepted sequel needs the current version.
	v, err := s.Put(ctx, core.MemoryEntry{Entity: "e", Payload: map[string]any{"n": 3.0}}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	e, _ := s.Get(ctx, "e")
	assert.Equal(t, 3.0, e.Payload["n"])
}

func TestQueryMatchesEntityAndPayload(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, core.MemoryEntry{Entity: "topic:tides", Payload: map[string]any{"text": "moon"}}, 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, core.MemoryEntry{Entity: "topic:rivers", Payload: map[string]any{"text": "tides upstream"}}, 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, core.MemoryEntry{Entity: "topic:deserts", Payload: map[string]any{"text": "sand"}}, 0)
	require.NoError(t, err)

	got, err := s.Query(ctx, "tides", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	limited, err := s.Query(ctx, "tides", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPutRequiresEntity(t *testing.T) {
	s := newStore(t)
	_, err := s.Put(context.Background(), core.MemoryEntry{}, 0)
	assert.Error(t, err)
}
