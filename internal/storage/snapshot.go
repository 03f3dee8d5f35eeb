// Package storage implements the snapshot store: per-instance checkpoint
// files plus a JSON index sidecar, with an optional archive backend.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/wal"
)

// SnapshotMeta is the per-instance index entry persisted in index.json.
type SnapshotMeta struct {
	SnapshotID string `json:"snapshot_id"`
	InstanceID string `json:"instance_id"`
	WalOffset  uint64 `json:"wal_offset"`
	CreatedAt  int64  `json:"created_at"`
	SizeBytes  uint64 `json:"size_bytes"`
	Checksum   string `json:"checksum"`
}

// SnapshotStore owns a directory of <snapshot-id>.snap files plus an
// index.json mapping instance id to its latest snapshot metadata.
type SnapshotStore struct {
	dir     string
	archive Archive
	logger  *slog.Logger

	mu    sync.RWMutex
	index map[string]SnapshotMeta
}

// OpenSnapshotStore opens or creates a snapshot store at dir. archive may be
// nil to disable archival copies.
func OpenSnapshotStore(dir string, archive Archive, logger *slog.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	store := &SnapshotStore{
		dir:     dir,
		archive: archive,
		logger:  logger,
		index:   make(map[string]SnapshotMeta),
	}
	if err := store.loadIndex(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SnapshotStore) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *SnapshotStore) snapshotPath(snapshotID string) string {
	return filepath.Join(s.dir, snapshotID+".snap")
}

func (s *SnapshotStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot index: %w", err)
	}

	index := make(map[string]SnapshotMeta)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("failed to parse snapshot index: %w", err)
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// saveIndex rewrites index.json atomically (temp file + rename).
func (s *SnapshotStore) saveIndex() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot index: %w", err)
	}

	tmpPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot index: %w", err)
	}
	if err := os.Rename(tmpPath, s.indexPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot index: %w", err)
	}
	return nil
}

// CreateSnapshot persists a snapshot with fsync, updates the index and
// rewrites index.json. The snapshot file is durable before the index entry
// references it, which keeps compaction's safety invariant: WAL truncation
// only consults durable snapshots.
func (s *SnapshotStore) CreateSnapshot(snapshot *machine.Snapshot) (*SnapshotMeta, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	checksum := fmt.Sprintf("%08x", wal.Checksum(data))

	path := s.snapshotPath(snapshot.SnapshotID)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot file: %w", err)
	}

	meta := SnapshotMeta{
		SnapshotID: snapshot.SnapshotID,
		InstanceID: snapshot.InstanceID,
		WalOffset:  snapshot.WalOffset,
		CreatedAt:  snapshot.CreatedAt,
		SizeBytes:  uint64(len(data)),
		Checksum:   checksum,
	}

	s.mu.Lock()
	s.index[snapshot.InstanceID] = meta
	s.mu.Unlock()

	if err := s.saveIndex(); err != nil {
		return nil, err
	}

	if s.archive != nil {
		if err := s.archive.Put(snapshot.SnapshotID+".snap", data); err != nil {
			// Archival is best effort; the local copy is authoritative.
			s.logger.Warn("failed to archive snapshot",
				"snapshot_id", snapshot.SnapshotID, "error", err)
		}
	}

	s.logger.Info("created snapshot",
		"snapshot_id", snapshot.SnapshotID,
		"instance_id", snapshot.InstanceID,
		"wal_offset", snapshot.WalOffset)
	return &meta, nil
}

// LoadSnapshot reads and CRC-verifies a snapshot by id.
func (s *SnapshotStore) LoadSnapshot(snapshotID string) (*machine.Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(snapshotID))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", snapshotID, err)
	}

	s.mu.RLock()
	var expected string
	for _, meta := range s.index {
		if meta.SnapshotID == snapshotID {
			expected = meta.Checksum
			break
		}
	}
	s.mu.RUnlock()

	if expected != "" {
		if actual := fmt.Sprintf("%08x", wal.Checksum(data)); actual != expected {
			return nil, fmt.Errorf("snapshot %s checksum mismatch: expected %s, got %s",
				snapshotID, expected, actual)
		}
	}

	var snapshot machine.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", snapshotID, err)
	}
	return &snapshot, nil
}

// LatestSnapshot loads the latest snapshot for an instance, or nil.
func (s *SnapshotStore) LatestSnapshot(instanceID string) (*machine.Snapshot, error) {
	s.mu.RLock()
	meta, ok := s.index[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.LoadSnapshot(meta.SnapshotID)
}

// SnapshotMetaFor returns the index entry for an instance.
func (s *SnapshotStore) SnapshotMetaFor(instanceID string) (SnapshotMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.index[instanceID]
	return meta, ok
}

// ListSnapshots returns all index entries.
func (s *SnapshotStore) ListSnapshots() []SnapshotMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]SnapshotMeta, 0, len(s.index))
	for _, meta := range s.index {
		metas = append(metas, meta)
	}
	return metas
}

// DeleteSnapshot removes a snapshot file and its index entries.
func (s *SnapshotStore) DeleteSnapshot(snapshotID string) error {
	if err := os.Remove(s.snapshotPath(snapshotID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot file: %w", err)
	}

	s.mu.Lock()
	for instanceID, meta := range s.index {
		if meta.SnapshotID == snapshotID {
			delete(s.index, instanceID)
		}
	}
	s.mu.Unlock()

	return s.saveIndex()
}

// MinWalOffset returns the smallest wal_offset across the index, or false if
// the index is empty. This is the oldest WAL position still needed for
// recovery; segments entirely before it can be deleted.
func (s *SnapshotStore) MinWalOffset() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var min uint64
	found := false
	for _, meta := range s.index {
		if !found || meta.WalOffset < min {
			min = meta.WalOffset
			found = true
		}
	}
	return min, found
}

// SnapshotCount returns the number of instances with snapshots.
func (s *SnapshotStore) SnapshotCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// InstancesWithoutSnapshots returns the ids in allIDs lacking any snapshot.
func (s *SnapshotStore) InstancesWithoutSnapshots(allIDs []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	for _, id := range allIDs {
		if _, ok := s.index[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
