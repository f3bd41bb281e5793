// Package protocol implements the Chiral request/response codecs. All four
// protocols share the same base framing: a 4-byte little-endian length
// prefix followed by the payload. Payloads are JSON for file push and pull,
// CBOR for WebRTC signalling; the echo protocol carries opaque bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol IDs spoken over swarm sub-streams.
const (
	EchoID       = "/chiral/proxy/1.0.0"
	FilePushID   = "/chiral/file-transfer/1.0.0"
	FilePullID   = "/chiral/file-request/1.0.0"
	WebRTCSignID = "/chiral/webrtc-signaling/1.0.0"
)

// MaxFrameSize bounds a single frame. File payloads travel inline, so the
// cap must comfortably hold a chunked transfer unit.
const MaxFrameSize = 256 * 1024 * 1024

// ErrFrameTooLarge indicates a length prefix beyond MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}
