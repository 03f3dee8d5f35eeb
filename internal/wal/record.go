package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Record header layout (24 bytes, big-endian):
//
//	magic "WLOG" | type (1) | flags (1) | reserved (2) |
//	payload length (4) | crc32c of payload (4) | sequence number (8)
//
// followed by the payload bytes.
const (
	RecordHeaderSize = 24

	// MaxRecordSize bounds a single record payload (16 MiB).
	MaxRecordSize = 16 * 1024 * 1024
)

var recordMagic = [4]byte{'W', 'L', 'O', 'G'}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C (Castagnoli) checksum used throughout the WAL.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Record is a single on-disk WAL record.
type Record struct {
	Type     EntryType
	Flags    uint8
	Sequence uint64
	CRC      uint32
	Payload  []byte
}

// NewRecord builds a record over the given payload, computing its checksum.
func NewRecord(entryType EntryType, sequence uint64, payload []byte) *Record {
	return &Record{
		Type:     entryType,
		Sequence: sequence,
		CRC:      Checksum(payload),
		Payload:  payload,
	}
}

// DiskSize returns the total size of the record on disk.
func (r *Record) DiskSize() int {
	return RecordHeaderSize + len(r.Payload)
}

// Encode serializes the record into its on-disk form.
func (r *Record) Encode() ([]byte, error) {
	if len(r.Payload) > MaxRecordSize {
		return nil, &RecordTooLargeError{Size: len(r.Payload), Max: MaxRecordSize}
	}

	buf := make([]byte, 0, r.DiskSize())
	buf = append(buf, recordMagic[:]...)
	buf = append(buf, byte(r.Type), r.Flags, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Payload)))
	buf = binary.BigEndian.AppendUint32(buf, r.CRC)
	buf = binary.BigEndian.AppendUint64(buf, r.Sequence)
	buf = append(buf, r.Payload...)
	return buf, nil
}

// DecodeRecord decodes a record from the front of buf. It returns the record
// and the number of bytes consumed. A nil record with n == 0 and no error
// means buf holds an incomplete record (or zero padding at end of file) and
// more data is needed. offset is the position of buf[0] in the segment and is
// only used for error reporting.
func DecodeRecord(buf []byte, offset uint64) (*Record, int, error) {
	if len(buf) < RecordHeaderSize {
		return nil, 0, nil
	}

	if !bytes.Equal(buf[0:4], recordMagic[:]) {
		// All zeroes reads as preallocated padding at end of file.
		if bytes.Equal(buf[0:4], []byte{0, 0, 0, 0}) {
			return nil, 0, nil
		}
		return nil, 0, &InvalidHeaderError{Offset: offset, Reason: "bad magic"}
	}

	entryType, err := ParseEntryType(buf[4])
	if err != nil {
		return nil, 0, &InvalidHeaderError{Offset: offset, Reason: err.Error()}
	}

	flags := buf[5]
	payloadLen := int(binary.BigEndian.Uint32(buf[8:12]))
	crcExpected := binary.BigEndian.Uint32(buf[12:16])
	sequence := binary.BigEndian.Uint64(buf[16:24])

	if payloadLen > MaxRecordSize {
		return nil, 0, &RecordTooLargeError{Size: payloadLen, Max: MaxRecordSize}
	}

	total := RecordHeaderSize + payloadLen
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[RecordHeaderSize:total])

	if actual := Checksum(payload); actual != crcExpected {
		return nil, 0, &CorruptedRecordError{Offset: offset, Expected: crcExpected, Actual: actual}
	}

	return &Record{
		Type:     entryType,
		Flags:    flags,
		Sequence: sequence,
		CRC:      crcExpected,
		Payload:  payload,
	}, total, nil
}
