// Package protocol implements the RCP wire protocol: binary frames with JSON
// payloads, the message envelopes, and the codec for both wire modes.
package protocol

import (
	"fmt"
)

// InvalidMagicError reports a frame that does not start with "RCPX".
type InvalidMagicError struct {
	Magic [4]byte
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("invalid magic bytes: expected %q, got %q", FrameMagic, e.Magic)
}

// UnsupportedVersionError reports a protocol version other than 1.
type UnsupportedVersionError struct {
	Version uint16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version: %d", e.Version)
}

// FrameTooLargeError reports a payload above MaxPayloadSize.
type FrameTooLargeError struct {
	Size int
	Max  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d bytes (max %d)", e.Size, e.Max)
}

// CrcMismatchError reports a payload checksum failure.
type CrcMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch: expected %#x, got %#x", e.Expected, e.Actual)
}

// InvalidFlagsError reports flag bits outside the valid mask.
type InvalidFlagsError struct {
	Flags uint16
}

func (e *InvalidFlagsError) Error() string {
	return fmt.Sprintf("invalid frame flags: %#x", e.Flags)
}
