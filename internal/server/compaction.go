package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rstmdb/rstmdb/internal/common"
	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

// compactionCheckInterval is how often the background loop re-evaluates its
// trigger conditions.
const compactionCheckInterval = 10 * time.Second

// CompactionResult summarises one compaction run.
type CompactionResult struct {
	SnapshotsCreated int `json:"snapshots_created"`
	SegmentsDeleted  int `json:"segments_deleted"`
}

// CompactOnce snapshots instances as needed and truncates the WAL up to the
// minimum snapshot offset.
//
// With forceSnapshot, every instance whose offset advanced past its latest
// snapshot (or which has none) gets a fresh snapshot; without it, only
// instances lacking any snapshot are covered. Snapshots are durable on disk
// before the WAL truncation call is made, and CompactBefore never deletes the
// segment containing the watermark, so an active instance's history is never
// lost.
func CompactOnce(engine *machine.Engine, snapshots *storage.SnapshotStore, forceSnapshot bool) (*CompactionResult, error) {
	result := &CompactionResult{}

	for _, instance := range engine.GetAllInstances() {
		var needsSnapshot bool
		if meta, ok := snapshots.SnapshotMetaFor(instance.ID); ok {
			needsSnapshot = forceSnapshot && instance.LastWalOffset > meta.WalOffset
		} else {
			needsSnapshot = true
		}

		if needsSnapshot {
			snapshot := machine.SnapshotOf(instance, "snap-"+uuid.NewString())
			if _, err := snapshots.CreateSnapshot(snapshot); err != nil {
				return result, common.WrapError(common.CodeInternalError,
					"failed to create snapshot", err)
			}
			result.SnapshotsCreated++
		}
	}

	if minOffset, ok := snapshots.MinWalOffset(); ok {
		deleted, err := engine.WAL().CompactBefore(wal.Offset(minOffset))
		if err != nil {
			return result, common.WrapError(common.CodeWalIoError, "wal compaction failed", err)
		}
		result.SegmentsDeleted = deleted
	}

	return result, nil
}

// CompactionConfig tunes the automatic compaction loop. A threshold of zero
// disables that criterion.
type CompactionConfig struct {
	Enabled         bool
	EventsThreshold uint64
	SizeThreshold   int64
	MinInterval     time.Duration
}

// CompactionManager runs automatic compaction in the background. It wakes on
// a fixed interval or when the event counter crosses its threshold.
type CompactionManager struct {
	engine    *machine.Engine
	snapshots *storage.SnapshotStore
	config    CompactionConfig
	logger    *slog.Logger

	eventsSinceCompact atomic.Uint64
	nudge              chan struct{}

	mu          sync.Mutex
	lastCompact time.Time
}

// NewCompactionManager builds a compaction manager.
func NewCompactionManager(engine *machine.Engine, snapshots *storage.SnapshotStore, config CompactionConfig, logger *slog.Logger) *CompactionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactionManager{
		engine:      engine,
		snapshots:   snapshots,
		config:      config,
		logger:      logger,
		nudge:       make(chan struct{}, 1),
		lastCompact: time.Now(),
	}
}

// RecordEvent counts a mutation towards the events threshold.
func (m *CompactionManager) RecordEvent() {
	if !m.config.Enabled {
		return
	}
	count := m.eventsSinceCompact.Add(1)
	if m.config.EventsThreshold > 0 && count >= m.config.EventsThreshold {
		select {
		case m.nudge <- struct{}{}:
		default:
		}
	}
}

// EventsSinceCompact returns the mutation count since the last run.
func (m *CompactionManager) EventsSinceCompact() uint64 {
	return m.eventsSinceCompact.Load()
}

func (m *CompactionManager) shouldCompact() bool {
	if !m.config.Enabled {
		return false
	}

	m.mu.Lock()
	sinceLast := time.Since(m.lastCompact)
	m.mu.Unlock()
	if sinceLast < m.config.MinInterval {
		return false
	}

	if m.config.EventsThreshold > 0 &&
		m.eventsSinceCompact.Load() >= m.config.EventsThreshold {
		return true
	}
	if m.config.SizeThreshold > 0 &&
		m.engine.WAL().TotalSize() >= m.config.SizeThreshold {
		return true
	}
	return false
}

// Run executes the compaction loop until ctx is cancelled.
func (m *CompactionManager) Run(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("automatic compaction is disabled")
		return
	}

	m.logger.Info("compaction manager started",
		"events_threshold", m.config.EventsThreshold,
		"size_threshold_bytes", m.config.SizeThreshold,
		"min_interval", m.config.MinInterval)

	ticker := time.NewTicker(compactionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("compaction manager stopped")
			return
		case <-ticker.C:
		case <-m.nudge:
		}

		if !m.shouldCompact() {
			continue
		}

		result, err := CompactOnce(m.engine, m.snapshots, true)
		if err != nil {
			m.logger.Error("automatic compaction failed", "error", err)
			continue
		}

		m.eventsSinceCompact.Store(0)
		m.mu.Lock()
		m.lastCompact = time.Now()
		m.mu.Unlock()

		m.logger.Info("automatic compaction complete",
			"snapshots_created", result.SnapshotsCreated,
			"segments_deleted", result.SegmentsDeleted)
	}
}
