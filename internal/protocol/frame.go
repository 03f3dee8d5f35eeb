package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout (18-byte header + optional header extension + payload),
// all integers big-endian:
//
//	magic "RCPX" (4) | version (2) | flags (2) | header-ext length (2) |
//	payload length (4) | crc32c of payload (4)
const (
	// FrameMagic identifies RCP frames on the wire.
	FrameMagic = "RCPX"

	// FrameHeaderSize is the fixed header size in bytes.
	FrameHeaderSize = 18

	// ProtocolVersion is the only protocol version currently supported.
	ProtocolVersion uint16 = 1

	// MaxPayloadSize bounds a single frame payload (16 MiB).
	MaxPayloadSize = 16 * 1024 * 1024
)

// Frame flag bits.
const (
	// FlagCRC marks that the CRC32C field is present and valid.
	FlagCRC uint16 = 1 << 0
	// FlagCompressed is reserved for future use.
	FlagCompressed uint16 = 1 << 1
	// FlagStream marks a frame belonging to a stream.
	FlagStream uint16 = 1 << 2
	// FlagEndStream marks the final frame of a stream.
	FlagEndStream uint16 = 1 << 3

	validFlagsMask = FlagCRC | FlagCompressed | FlagStream | FlagEndStream
)

var frameCastagnoli = crc32.MakeTable(crc32.Castagnoli)

// Flags is the frame flag bitfield.
type Flags uint16

// ParseFlags validates raw flag bits against the version-1 mask.
func ParseFlags(bits uint16) (Flags, error) {
	if bits&^validFlagsMask != 0 {
		return 0, &InvalidFlagsError{Flags: bits}
	}
	return Flags(bits), nil
}

// HasCRC reports whether the CRC bit is set.
func (f Flags) HasCRC() bool { return uint16(f)&FlagCRC != 0 }

// IsStream reports whether the stream bit is set.
func (f Flags) IsStream() bool { return uint16(f)&FlagStream != 0 }

// IsEndStream reports whether the end-stream bit is set.
func (f Flags) IsEndStream() bool { return uint16(f)&FlagEndStream != 0 }

// IsCompressed reports whether the reserved compression bit is set.
func (f Flags) IsCompressed() bool { return uint16(f)&FlagCompressed != 0 }

// Frame is a parsed RCP frame.
type Frame struct {
	Version   uint16
	Flags     Flags
	HeaderExt []byte
	Payload   []byte
}

// NewFrame wraps a payload in a version-1 frame with CRC enabled.
func NewFrame(payload []byte) *Frame {
	return &Frame{
		Version: ProtocolVersion,
		Flags:   Flags(FlagCRC),
		Payload: payload,
	}
}

// NewJSONFrame marshals a value and wraps it in a frame.
func NewJSONFrame(v any) (*Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame payload: %w", err)
	}
	return NewFrame(payload), nil
}

// Encode serializes the frame into its wire form.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, &FrameTooLargeError{Size: len(f.Payload), Max: MaxPayloadSize}
	}

	buf := make([]byte, 0, FrameHeaderSize+len(f.HeaderExt)+len(f.Payload))
	buf = append(buf, FrameMagic...)
	buf = binary.BigEndian.AppendUint16(buf, f.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(f.Flags))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.HeaderExt)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))

	var crc uint32
	if f.Flags.HasCRC() {
		crc = crc32.Checksum(f.Payload, frameCastagnoli)
	}
	buf = binary.BigEndian.AppendUint32(buf, crc)
	buf = append(buf, f.HeaderExt...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// ReadFrame reads one complete frame from r. io.EOF is returned unwrapped
// when the stream ends cleanly at a frame boundary.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	var magic [4]byte
	copy(magic[:], header[0:4])
	if string(magic[:]) != FrameMagic {
		return nil, &InvalidMagicError{Magic: magic}
	}

	version := binary.BigEndian.Uint16(header[4:6])
	if version != ProtocolVersion {
		return nil, &UnsupportedVersionError{Version: version}
	}

	flags, err := ParseFlags(binary.BigEndian.Uint16(header[6:8]))
	if err != nil {
		return nil, err
	}

	extLen := int(binary.BigEndian.Uint16(header[8:10]))
	payloadLen := int(binary.BigEndian.Uint32(header[10:14]))
	crcExpected := binary.BigEndian.Uint32(header[14:18])

	if payloadLen > MaxPayloadSize {
		return nil, &FrameTooLargeError{Size: payloadLen, Max: MaxPayloadSize}
	}

	headerExt := make([]byte, extLen)
	if _, err := io.ReadFull(r, headerExt); err != nil {
		return nil, fmt.Errorf("failed to read header extension: %w", err)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	if flags.HasCRC() {
		if actual := crc32.Checksum(payload, frameCastagnoli); actual != crcExpected {
			return nil, &CrcMismatchError{Expected: crcExpected, Actual: actual}
		}
	}

	return &Frame{
		Version:   version,
		Flags:     flags,
		HeaderExt: headerExt,
		Payload:   payload,
	}, nil
}
