package wal

import (
	"fmt"
)

// RecoveryResult summarises a verify or repair scan over a WAL directory.
type RecoveryResult struct {
	ValidRecords    uint64
	InvalidRecords  uint64
	BytesTruncated  uint64
	MaxSequence     uint64
	SegmentsScanned []uint64
	SegmentErrors   map[uint64]string
}

// Verify scans the WAL without modifying anything and reports what a repair
// pass would do.
func Verify(dir string, segmentSize int64) (*RecoveryResult, error) {
	return scan(dir, segmentSize, false)
}

// Repair scans the WAL and truncates each segment at its last valid record
// boundary, dropping partial writes and trailing corruption.
func Repair(dir string, segmentSize int64) (*RecoveryResult, error) {
	return scan(dir, segmentSize, true)
}

func scan(dir string, segmentSize int64, repair bool) (*RecoveryResult, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}

	ids, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{SegmentErrors: make(map[uint64]string)}

	for _, id := range ids {
		segment, err := OpenSegment(dir, id, segmentSize)
		if err != nil {
			result.SegmentErrors[id] = err.Error()
			continue
		}

		records, scanErr := segment.ReadAll()
		if scanErr != nil && !IsCorrupted(scanErr) {
			segment.Close()
			result.SegmentErrors[id] = scanErr.Error()
			continue
		}
		if scanErr != nil {
			result.InvalidRecords++
		}

		for _, r := range records {
			result.ValidRecords++
			if r.Record.Sequence > result.MaxSequence {
				result.MaxSequence = r.Record.Sequence
			}
		}

		boundary := lastValidBoundary(records)
		if truncated := uint64(segment.Size()) - boundary; truncated > 0 {
			result.BytesTruncated += truncated
			if repair {
				if err := segment.TruncateAt(boundary); err != nil {
					segment.Close()
					return nil, fmt.Errorf("failed to repair segment %d: %w", id, err)
				}
			}
		}

		result.SegmentsScanned = append(result.SegmentsScanned, id)
		if err := segment.Close(); err != nil {
			return nil, err
		}
	}

	return result, nil
}
