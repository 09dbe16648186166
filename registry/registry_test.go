package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
)

func TestRegisterAssignsSeqInOrder(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))
	require.NoError(t, r.Register(testutil.NewFakeWorker("w2", core.CapabilityGenerate)))

	r1, ok := r.Record("w1")
	require.True(t, ok)
	r2, ok := r.Record("w2")
	require.True(t, ok)

	assert.Equal(t, 0, r1.Seq)
	assert.Equal(t, 1, r2.Seq)
	assert.Equal(t, 0.5, r1.SuccessRate, "neutral prior before observations")
}

func TestRegisterRejectsInvalidWorkers(t *testing.T) {
	r := New()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(testutil.NewFakeWorker("no-caps")))
}

func TestReRegisterKeepsSeq(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))
	require.NoError(t, r.Register(testutil.NewFakeWorker("w2", core.CapabilityGenerate)))

	// Refresh w1; its Seq must stay fixed.
	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate, core.CapabilityRetrieve)))

	rec, ok := r.Record("w1")
	require.True(t, ok)
	assert.Equal(t, 0, rec.Seq)
	assert.True(t, rec.Advertises(core.CapabilityRetrieve))
}

func TestSweepMarksUnavailableButKeepsRecord(t *testing.T) {
	cfg := DefaultConfig
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MissedHeartbeats = 3
	r := New(WithConfig(cfg))

	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))

	// Within the threshold nothing happens.
	assert.Equal(t, 0, r.Sweep(time.Now().UTC().Add(25*time.Millisecond)))

	// Past three missed intervals the worker is demoted, not deleted.
	assert.Equal(t, 1, r.Sweep(time.Now().UTC().Add(50*time.Millisecond)))
	rec, ok := r.Record("w1")
	require.True(t, ok)
	assert.False(t, rec.Available)
	assert.Empty(t, r.Candidates(core.CapabilityGenerate))

	// A heartbeat restores availability.
	require.NoError(t, r.Heartbeat("w1", 2))
	rec, _ = r.Record("w1")
	assert.True(t, rec.Available)
	assert.Equal(t, 2, rec.Load)
}

func TestReportResultUpdatesRollingStats(t *testing.T) {
	r := New(WithConfig(Config{HeartbeatInterval: time.Second, MissedHeartbeats: 3, StatsAlpha: 0.5}))
	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))

	r.ReportResult("w1", 100*time.Millisecond, true)
	rec, _ := r.Record("w1")
	assert.Equal(t, 100*time.Millisecond, rec.AvgLatency, "first observation seeds the average")
	assert.InDelta(t, 0.75, rec.SuccessRate, 1e-9)

	r.ReportResult("w1", 300*time.Millisecond, false)
	rec, _ = r.Record("w1")
	assert.Equal(t, 200*time.Millisecond, rec.AvgLatency)
	assert.InDelta(t, 0.375, rec.SuccessRate, 1e-9)

	// Unknown workers are ignored and report the neutral prior.
	r.ReportResult("ghost", time.Second, true)
	assert.Equal(t, 0.5, r.SuccessRate("ghost"))
}

func TestCoversAndCapabilities(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))
	require.NoError(t, r.Register(testutil.NewFakeWorker("w2", core.CapabilityRetrieve)))

	_, ok := r.Covers([]core.Capability{core.CapabilityGenerate, core.CapabilityRetrieve})
	assert.True(t, ok)

	missing, ok := r.Covers([]core.Capability{core.CapabilityGenerate, core.CapabilityExecute})
	assert.False(t, ok)
	assert.Equal(t, core.CapabilityExecute, missing)

	assert.ElementsMatch(t, []core.Capability{core.CapabilityGenerate, core.CapabilityRetrieve}, r.Capabilities())
}

func TestCandidatesReturnsCopies(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testutil.NewFakeWorker("w1", core.CapabilityGenerate)))

	cands := r.Candidates(core.CapabilityGenerate)
	require.Len(t, cands, 1)
	cands[0].Load = 99

	rec, _ := r.Record("w1")
	assert.Equal(t, 0, rec.Load, "mutating a candidate copy must not leak into the registry")
}
