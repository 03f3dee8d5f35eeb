package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

func compactionFixture(t *testing.T) (*machine.Engine, *storage.SnapshotStore, *wal.WAL) {
	t.Helper()

	w, err := wal.Open(wal.Config{
		Dir:         t.TempDir(),
		SegmentSize: 256,
		FsyncPolicy: wal.FsyncPolicy{Mode: wal.FsyncEveryWrite},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	engine, err := machine.NewEngine(w, machine.Options{}, nil)
	require.NoError(t, err)
	snapshots, err := storage.OpenSnapshotStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	_, _, err = engine.PutMachine("flip", 1, json.RawMessage(`{
		"states": ["a", "b"], "initial": "a",
		"transitions": [{"from": ["a", "b"], "event": "FLIP", "to": "b"}]
	}`))
	require.NoError(t, err)

	return engine, snapshots, w
}

func TestCompactOnce_WithoutForceOnlyCoversMissing(t *testing.T) {
	engine, snapshots, _ := compactionFixture(t)

	_, _, err := engine.CreateInstance("i1", "flip", 1, nil, "")
	require.NoError(t, err)

	// First pass snapshots the uncovered instance.
	result, err := CompactOnce(engine, snapshots, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnapshotsCreated)

	// The instance advances, but without force its stale snapshot stands.
	_, err = engine.ApplyEvent("i1", "FLIP", nil, nil, nil, "", "")
	require.NoError(t, err)

	result, err = CompactOnce(engine, snapshots, false)
	require.NoError(t, err)
	assert.Zero(t, result.SnapshotsCreated)

	// With force the advanced instance is re-snapshotted.
	result, err = CompactOnce(engine, snapshots, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnapshotsCreated)
}

func TestCompactOnce_DeletesFullyCoveredSegments(t *testing.T) {
	engine, snapshots, w := compactionFixture(t)

	_, _, err := engine.CreateInstance("i1", "flip", 1, nil, "")
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := engine.ApplyEvent("i1", "FLIP", nil, nil, nil, "", "")
		require.NoError(t, err)
	}

	segmentsBefore := len(w.SegmentIDs())
	require.Greater(t, segmentsBefore, 2)

	result, err := CompactOnce(engine, snapshots, true)
	require.NoError(t, err)
	assert.Positive(t, result.SegmentsDeleted)
	assert.Less(t, len(w.SegmentIDs()), segmentsBefore)

	// Replay after compaction still reconstructs the instance: its snapshot
	// offset lies in a retained segment.
	meta, ok := snapshots.SnapshotMetaFor("i1")
	require.True(t, ok)
	assert.Contains(t, w.SegmentIDs(), wal.Offset(meta.WalOffset).SegmentID())
}

func TestCompactionManager_Thresholds(t *testing.T) {
	engine, snapshots, _ := compactionFixture(t)

	manager := NewCompactionManager(engine, snapshots, CompactionConfig{
		Enabled:         true,
		EventsThreshold: 5,
		MinInterval:     time.Millisecond,
	}, nil)

	assert.False(t, manager.shouldCompact())

	for i := 0; i < 5; i++ {
		manager.RecordEvent()
	}
	time.Sleep(5 * time.Millisecond)
	assert.True(t, manager.shouldCompact())
	assert.Equal(t, uint64(5), manager.EventsSinceCompact())
}

func TestCompactionManager_DisabledCriteria(t *testing.T) {
	engine, snapshots, _ := compactionFixture(t)

	// Zero thresholds disable their criteria.
	manager := NewCompactionManager(engine, snapshots, CompactionConfig{
		Enabled:     true,
		MinInterval: time.Millisecond,
	}, nil)
	for i := 0; i < 100; i++ {
		manager.RecordEvent()
	}
	time.Sleep(5 * time.Millisecond)
	assert.False(t, manager.shouldCompact())

	// Disabled manager never compacts.
	disabled := NewCompactionManager(engine, snapshots, CompactionConfig{}, nil)
	disabled.RecordEvent()
	assert.False(t, disabled.shouldCompact())
	assert.Zero(t, disabled.EventsSinceCompact())
}

func TestCompactionManager_MinIntervalHolds(t *testing.T) {
	engine, snapshots, _ := compactionFixture(t)

	manager := NewCompactionManager(engine, snapshots, CompactionConfig{
		Enabled:         true,
		EventsThreshold: 1,
		MinInterval:     time.Hour,
	}, nil)
	manager.RecordEvent()
	assert.False(t, manager.shouldCompact())
}

func TestCompactionManager_SizeThreshold(t *testing.T) {
	engine, snapshots, w := compactionFixture(t)

	manager := NewCompactionManager(engine, snapshots, CompactionConfig{
		Enabled:       true,
		SizeThreshold: 1, // any non-empty WAL triggers
		MinInterval:   time.Millisecond,
	}, nil)

	require.Positive(t, w.TotalSize())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, manager.shouldCompact())
}
