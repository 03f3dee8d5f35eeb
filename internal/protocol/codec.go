package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// WireMode selects the on-wire encoding for a session. The mode is negotiated
// at HELLO and applies in both directions for the session's lifetime.
type WireMode string

const (
	// WireModeBinaryJSON frames JSON payloads with the binary RCPX header.
	WireModeBinaryJSON WireMode = "binary_json"
	// WireModeJSONL sends one JSON document per line with no framing.
	WireModeJSONL WireMode = "jsonl"
)

// Codec reads and writes protocol messages over a byte stream in the
// session's negotiated wire mode. Reads and writes are independent; the
// caller serialises writers.
type Codec struct {
	reader *bufio.Reader
	writer io.Writer
	mode   WireMode
}

// NewCodec builds a codec over a byte stream, starting in binary mode.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		mode:   WireModeBinaryJSON,
	}
}

// Mode returns the active wire mode.
func (c *Codec) Mode() WireMode { return c.mode }

// SetMode switches the wire mode after HELLO negotiation.
func (c *Codec) SetMode(mode WireMode) { c.mode = mode }

// ReadMessage reads one raw JSON message.
func (c *Codec) ReadMessage() (json.RawMessage, error) {
	switch c.mode {
	case WireModeJSONL:
		line, err := c.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			return c.ReadMessage() // skip blank lines
		}
		if len(line) > MaxPayloadSize {
			return nil, &FrameTooLargeError{Size: len(line), Max: MaxPayloadSize}
		}
		return json.RawMessage(line), nil
	default:
		frame, err := ReadFrame(c.reader)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(frame.Payload), nil
	}
}

// WriteMessage marshals and writes one message.
func (c *Codec) WriteMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.WriteRaw(payload)
}

// WriteRaw writes an already-marshalled JSON message.
func (c *Codec) WriteRaw(payload []byte) error {
	switch c.mode {
	case WireModeJSONL:
		if _, err := c.writer.Write(append(payload, '\n')); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	default:
		frame := NewFrame(payload)
		encoded, err := frame.Encode()
		if err != nil {
			return err
		}
		if _, err := c.writer.Write(encoded); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return nil
	}
}

// ParseMessageType peeks at the type discriminator of a raw message.
func ParseMessageType(raw json.RawMessage) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	return envelope.Type, nil
}
