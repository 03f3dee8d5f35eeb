package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// SegmentFilename returns the file name for a segment id: 16 hex digits + ".wal".
func SegmentFilename(id uint64) string {
	return fmt.Sprintf("%016x.wal", id)
}

// ParseSegmentFilename extracts the segment id from a file name, or false if
// the name is not a segment file.
func ParseSegmentFilename(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".wal")
	if !ok || len(base) != 16 {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListSegments returns the segment ids in a directory, sorted ascending.
func ListSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := ParseSegmentFilename(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Segment is a single append-only WAL segment file. File I/O is positional;
// the mutex guards the size, sync and closed state, and the manager's writer
// lock serialises appends.
type Segment struct {
	mu          sync.Mutex
	id          uint64
	path        string
	file        *os.File
	size        int64
	maxSize     int64
	syncPending bool
	closed      bool
}

// CreateSegment creates a new segment file. The file must not already exist.
func CreateSegment(dir string, id uint64, maxSize int64) (*Segment, error) {
	path := filepath.Join(dir, SegmentFilename(id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	return &Segment{
		id:      id,
		path:    path,
		file:    file,
		maxSize: maxSize,
	}, nil
}

// OpenSegment opens an existing segment for reading and appending.
func OpenSegment(dir string, id uint64, maxSize int64) (*Segment, error) {
	path := filepath.Join(dir, SegmentFilename(id))
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	return &Segment{
		id:      id,
		path:    path,
		file:    file,
		size:    stat.Size(),
		maxSize: maxSize,
	}, nil
}

// ID returns the segment id.
func (s *Segment) ID() uint64 { return s.id }

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// Size returns the current size of the segment in bytes.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// CanFit reports whether a record of the given encoded size fits within the
// segment's configured max size.
func (s *Segment) CanFit(recordSize int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size+int64(recordSize) <= s.maxSize
}

// Append writes an encoded record at the end of the segment and returns the
// byte offset it was written at.
func (s *Segment) Append(record *Record) (uint64, error) {
	encoded, err := record.Encode()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	offset := uint64(s.size)
	if _, err := s.file.WriteAt(encoded, s.size); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	s.size += int64(len(encoded))
	s.syncPending = true

	return offset, nil
}

// Sync flushes pending writes to stable storage.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.syncPending {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	s.syncPending = false
	return nil
}

// RecordAt pairs a record with its byte offset within the segment.
type RecordAt struct {
	ByteOffset uint64
	Record     *Record
}

// ReadAll reads every record in the segment, returning them in file order.
// Trailing bytes that do not form a complete record are ignored; a CRC
// mismatch mid-segment is returned as a CorruptedRecordError alongside the
// records decoded so far.
func (s *Segment) ReadAll() ([]RecordAt, error) {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	data := make([]byte, size)
	if size > 0 {
		if _, err := s.file.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("failed to read segment: %w", err)
		}
	}

	var records []RecordAt
	var offset uint64
	for int(offset) < len(data) {
		record, n, err := DecodeRecord(data[offset:], offset)
		if err != nil {
			return records, err
		}
		if record == nil {
			break // incomplete trailing record or zero padding
		}
		records = append(records, RecordAt{ByteOffset: offset, Record: record})
		offset += uint64(n)
	}
	return records, nil
}

// TruncateAt cuts the segment at the given byte offset. Used by recovery to
// drop trailing partial writes.
func (s *Segment) TruncateAt(offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("failed to truncate segment: %w", err)
	}
	s.size = int64(offset)
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	s.syncPending = false
	return nil
}

// Close closes the underlying file. Pending writes are synced first.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.syncPending {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment file: %w", err)
	}
	return nil
}
