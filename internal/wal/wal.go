package wal

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSegmentSize is the rotation threshold when none is configured (64 MiB).
const DefaultSegmentSize = 64 * 1024 * 1024

// FsyncMode selects when appends are flushed to stable storage.
type FsyncMode int

const (
	// FsyncEveryWrite syncs after every append (safest, slowest).
	FsyncEveryWrite FsyncMode = iota
	// FsyncEveryN syncs once unsynced appends reach N.
	FsyncEveryN
	// FsyncEveryMs syncs at most once per interval, checked on the next append.
	FsyncEveryMs
	// FsyncNever only syncs on explicit Sync calls.
	FsyncNever
)

// FsyncPolicy is the configured fsync discipline.
type FsyncPolicy struct {
	Mode     FsyncMode
	N        uint32
	Interval time.Duration
}

// ParseFsyncPolicy parses the configuration forms
// "every_write", "every_n:N", "every_ms:N" and "never".
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch {
	case s == "" || s == "every_write":
		return FsyncPolicy{Mode: FsyncEveryWrite}, nil
	case s == "never":
		return FsyncPolicy{Mode: FsyncNever}, nil
	default:
		var n uint32
		if _, err := fmt.Sscanf(s, "every_n:%d", &n); err == nil && n > 0 {
			return FsyncPolicy{Mode: FsyncEveryN, N: n}, nil
		}
		if _, err := fmt.Sscanf(s, "every_ms:%d", &n); err == nil && n > 0 {
			return FsyncPolicy{Mode: FsyncEveryMs, Interval: time.Duration(n) * time.Millisecond}, nil
		}
		return FsyncPolicy{}, fmt.Errorf("invalid fsync policy: %q", s)
	}
}

// Config holds WAL configuration.
type Config struct {
	// Dir is the directory holding segment files.
	Dir string
	// SegmentSize is the rotation threshold in bytes.
	SegmentSize int64
	// FsyncPolicy selects the sync discipline for appends.
	FsyncPolicy FsyncPolicy
	// Repair truncates segments at the last valid record boundary when a
	// corrupted record is found during recovery instead of failing open.
	Repair bool
}

// Stats are cumulative I/O counters for the WAL.
type Stats struct {
	BytesWritten uint64 `json:"bytes_written"`
	BytesRead    uint64 `json:"bytes_read"`
	Writes       uint64 `json:"writes"`
	Reads        uint64 `json:"reads"`
	Fsyncs       uint64 `json:"fsyncs"`
}

// EntryAt is a decoded entry with its sequence number and offset.
type EntryAt struct {
	Sequence uint64
	Offset   Offset
	Entry    *Entry
}

// WAL is a durable, segmented, append-only log of entries.
//
// A single writer mutex serialises Append (rotation happens under it).
// Readers scan segments concurrently with the writer; each segment guards its
// own file handle. The sequence counter and stats are atomics.
type WAL struct {
	config Config
	logger *slog.Logger

	// writerMu serialises appends and segment rotation.
	writerMu sync.Mutex
	current  *Segment
	lastSync time.Time

	// segMu guards the segment map.
	segMu    sync.RWMutex
	segments map[uint64]*Segment

	nextSeq         atomic.Uint64
	writesSinceSync atomic.Uint64
	closed          atomic.Bool

	statBytesWritten atomic.Uint64
	statBytesRead    atomic.Uint64
	statWrites       atomic.Uint64
	statReads        atomic.Uint64
	statFsyncs       atomic.Uint64
}

// Open opens or creates a WAL in the configured directory, recovering any
// existing segments. Trailing partial records are truncated; a corrupted
// record mid-segment fails recovery unless Config.Repair is set.
func Open(config Config, logger *slog.Logger) (*WAL, error) {
	if config.SegmentSize <= 0 {
		config.SegmentSize = DefaultSegmentSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		config:   config,
		logger:   logger,
		segments: make(map[uint64]*Segment),
		lastSync: time.Now(),
	}
	w.nextSeq.Store(1)

	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) recover() error {
	ids, err := ListSegments(w.config.Dir)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		segment, err := CreateSegment(w.config.Dir, 1, w.config.SegmentSize)
		if err != nil {
			return err
		}
		w.segments[1] = segment
		w.current = segment
		return nil
	}

	var maxSeq uint64
	for _, id := range ids {
		segment, err := OpenSegment(w.config.Dir, id, w.config.SegmentSize)
		if err != nil {
			return err
		}

		records, err := segment.ReadAll()
		if err != nil {
			if IsCorrupted(err) && w.config.Repair {
				boundary := lastValidBoundary(records)
				w.logger.Warn("repairing corrupted WAL segment",
					"segment", id, "truncate_at", boundary)
				if err := segment.TruncateAt(boundary); err != nil {
					segment.Close()
					return err
				}
			} else {
				segment.Close()
				return fmt.Errorf("recovery failed in segment %d: %w", id, err)
			}
		}

		// Drop trailing bytes that do not form a complete record.
		boundary := lastValidBoundary(records)
		if boundary < uint64(segment.Size()) {
			truncated := uint64(segment.Size()) - boundary
			w.logger.Warn("truncating partial write at end of segment",
				"segment", id, "bytes", truncated)
			if err := segment.TruncateAt(boundary); err != nil {
				segment.Close()
				return err
			}
		}

		for _, r := range records {
			if r.Record.Sequence > maxSeq {
				maxSeq = r.Record.Sequence
			}
		}
		w.segments[id] = segment
	}

	w.nextSeq.Store(maxSeq + 1)
	w.current = w.segments[ids[len(ids)-1]]

	w.logger.Info("WAL recovered",
		"segments", len(ids), "next_sequence", maxSeq+1)
	return nil
}

func lastValidBoundary(records []RecordAt) uint64 {
	if len(records) == 0 {
		return 0
	}
	last := records[len(records)-1]
	return last.ByteOffset + uint64(last.Record.DiskSize())
}

// rotate allocates the next segment and makes it current. Callers must hold
// writerMu.
func (w *WAL) rotate() error {
	w.segMu.Lock()
	defer w.segMu.Unlock()

	var nextID uint64 = 1
	for id := range w.segments {
		if id >= nextID {
			nextID = id + 1
		}
	}

	segment, err := CreateSegment(w.config.Dir, nextID, w.config.SegmentSize)
	if err != nil {
		return err
	}
	w.segments[nextID] = segment
	w.current = segment

	w.logger.Debug("rotated WAL segment", "segment", nextID)
	return nil
}

// Append assigns the next sequence number, encodes the entry as a framed
// record and writes it to the current segment, rotating first if the record
// does not fit. The fsync policy is applied before returning, so a caller
// that observes success may treat the entry as durable under EveryWrite.
func (w *WAL) Append(entry *Entry) (uint64, Offset, error) {
	if w.closed.Load() {
		return 0, 0, ErrClosed
	}

	entryType, err := entry.EntryTypeTag()
	if err != nil {
		return 0, 0, err
	}
	payload, err := entry.Marshal()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal entry: %w", err)
	}
	if len(payload) > MaxRecordSize {
		return 0, 0, &RecordTooLargeError{Size: len(payload), Max: MaxRecordSize}
	}

	w.writerMu.Lock()
	defer w.writerMu.Unlock()

	// The sequence is assigned under the writer lock so sequence order and
	// file order never diverge.
	sequence := w.nextSeq.Add(1) - 1
	record := NewRecord(entryType, sequence, payload)
	recordSize := record.DiskSize()

	if w.current == nil || !w.current.CanFit(recordSize) {
		if err := w.rotate(); err != nil {
			return 0, 0, err
		}
	}

	segment := w.current
	byteOffset, err := segment.Append(record)
	if err != nil {
		return 0, 0, err
	}

	w.statBytesWritten.Add(uint64(recordSize))
	w.statWrites.Add(1)

	writes := w.writesSinceSync.Add(1)
	switch w.config.FsyncPolicy.Mode {
	case FsyncEveryWrite:
		if err := w.syncCurrentLocked(segment); err != nil {
			return 0, 0, err
		}
	case FsyncEveryN:
		if writes >= uint64(w.config.FsyncPolicy.N) {
			if err := w.syncCurrentLocked(segment); err != nil {
				return 0, 0, err
			}
		}
	case FsyncEveryMs:
		if time.Since(w.lastSync) >= w.config.FsyncPolicy.Interval {
			if err := w.syncCurrentLocked(segment); err != nil {
				return 0, 0, err
			}
		}
	}

	return sequence, NewOffset(segment.ID(), byteOffset), nil
}

func (w *WAL) syncCurrentLocked(segment *Segment) error {
	if err := segment.Sync(); err != nil {
		return err
	}
	w.statFsyncs.Add(1)
	w.writesSinceSync.Store(0)
	w.lastSync = time.Now()
	return nil
}

// Sync forces the current segment to stable storage.
func (w *WAL) Sync() error {
	w.writerMu.Lock()
	defer w.writerMu.Unlock()

	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			return err
		}
		w.statFsyncs.Add(1)
	}
	w.writesSinceSync.Store(0)
	w.lastSync = time.Now()
	return nil
}

// ReadFrom returns entries at or after the given offset, in log order.
// A limit <= 0 means unbounded. A corrupted record aborts the read.
func (w *WAL) ReadFrom(from Offset, limit int) ([]EntryAt, error) {
	w.segMu.RLock()
	ids := make([]uint64, 0, len(w.segments))
	for id := range w.segments {
		if id >= from.SegmentID() {
			ids = append(ids, id)
		}
	}
	w.segMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var results []EntryAt
	var bytesRead uint64

	for _, id := range ids {
		if limit > 0 && len(results) >= limit {
			break
		}

		w.segMu.RLock()
		segment := w.segments[id]
		w.segMu.RUnlock()
		if segment == nil {
			continue // compacted away while reading
		}

		records, err := segment.ReadAll()
		if err != nil {
			return nil, err
		}

		for _, r := range records {
			offset := NewOffset(id, r.ByteOffset)
			if offset < from {
				continue
			}
			entry, err := UnmarshalEntry(r.Record.Payload)
			if err != nil {
				return nil, err
			}
			bytesRead += uint64(r.Record.DiskSize())
			results = append(results, EntryAt{
				Sequence: r.Record.Sequence,
				Offset:   offset,
				Entry:    entry,
			})
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}

	w.statBytesRead.Add(bytesRead)
	w.statReads.Add(1)
	return results, nil
}

// CompactBefore deletes every segment whose id is strictly less than the
// offset's segment id. The segment containing the watermark is never deleted.
// Returns the number of segments deleted.
func (w *WAL) CompactBefore(before Offset) (int, error) {
	target := before.SegmentID()

	w.segMu.Lock()
	var victims []*Segment
	for id, segment := range w.segments {
		if id < target {
			victims = append(victims, segment)
			delete(w.segments, id)
		}
	}
	w.segMu.Unlock()

	deleted := 0
	for _, segment := range victims {
		if err := segment.Close(); err != nil {
			return deleted, err
		}
		if err := os.Remove(segment.Path()); err != nil {
			return deleted, fmt.Errorf("failed to remove segment file: %w", err)
		}
		w.logger.Info("compacted WAL segment", "segment", segment.ID())
		deleted++
	}
	return deleted, nil
}

// EarliestOffset returns the start of the oldest retained segment.
func (w *WAL) EarliestOffset() (Offset, bool) {
	w.segMu.RLock()
	defer w.segMu.RUnlock()

	var min uint64
	found := false
	for id := range w.segments {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return NewOffset(min, 0), found
}

// LatestOffset returns the current append position.
func (w *WAL) LatestOffset() (Offset, bool) {
	w.writerMu.Lock()
	defer w.writerMu.Unlock()

	if w.current == nil {
		return 0, false
	}
	return NewOffset(w.current.ID(), uint64(w.current.Size())), true
}

// SegmentIDs returns the retained segment ids, sorted ascending.
func (w *WAL) SegmentIDs() []uint64 {
	w.segMu.RLock()
	defer w.segMu.RUnlock()

	ids := make([]uint64, 0, len(w.segments))
	for id := range w.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TotalSize returns the combined size of all retained segments in bytes.
func (w *WAL) TotalSize() int64 {
	w.segMu.RLock()
	defer w.segMu.RUnlock()

	var total int64
	for _, segment := range w.segments {
		total += segment.Size()
	}
	return total
}

// NextSequence returns the sequence number the next append will be assigned.
func (w *WAL) NextSequence() uint64 {
	return w.nextSeq.Load()
}

// Stats returns a snapshot of the I/O counters.
func (w *WAL) Stats() Stats {
	return Stats{
		BytesWritten: w.statBytesWritten.Load(),
		BytesRead:    w.statBytesRead.Load(),
		Writes:       w.statWrites.Load(),
		Reads:        w.statReads.Load(),
		Fsyncs:       w.statFsyncs.Load(),
	}
}

// Close syncs and closes all segments. The WAL must not be used afterwards.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if err := w.Sync(); err != nil {
		return err
	}

	w.segMu.Lock()
	defer w.segMu.Unlock()
	for _, segment := range w.segments {
		if err := segment.Close(); err != nil {
			return err
		}
	}
	return nil
}
