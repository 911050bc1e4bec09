// ABOUTME: Length-prefixed frame codec: 4-byte big-endian length then JSON payload
// ABOUTME: Zero or oversized lengths are rejected before any payload is read

package framed

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted payload.
const MaxFrameSize = 1 << 20

const headerLength = 4

var (
	// ErrInvalidFrameLength is returned for a declared length of zero.
	ErrInvalidFrameLength = errors.New("invalid frame length")

	// ErrFrameTooLarge is returned for a declared length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedMessage is returned when a frame payload is not a valid message.
	ErrMalformedMessage = errors.New("malformed message")
)

// WriteFrame writes payload as one frame with a single Write call, so
// concurrent writers serialised by a mutex never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidFrameLength
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerLength+len(payload))
	binary.BigEndian.PutUint32(buf[:headerLength], uint32(len(payload)))
	copy(buf[headerLength:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrInvalidFrameLength
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes m as JSON and writes it as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame and decodes it. Decoding failures wrap
// ErrMalformedMessage; the stream is still positioned at the next frame.
func ReadMessage(r io.Reader) (*Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &m, nil
}

// IsProtocolViolation reports whether err means the frame boundary itself
// is broken and the connection cannot continue.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrInvalidFrameLength) || errors.Is(err, ErrFrameTooLarge)
}
