// Package wire implements the engine's client-facing binary protocol
// (spec §4.9): a 14-byte magic handshake followed by a stream of
// length-prefixed, CBOR-encoded command/response frames.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/solidb-io/solidb/internal/engerr"
)

// Magic is the fixed handshake a client sends before any framed
// traffic. The server reads and verifies it before entering the
// command loop.
const Magic = "solidb-drv-v1\x00"

// MaxFrameSize bounds a single frame's payload (spec §4.9: 16 MiB).
const MaxFrameSize = 16 << 20

const lengthPrefixSize = 4

// WriteHandshake sends the fixed magic header.
func WriteHandshake(w io.Writer) error {
	_, err := io.WriteString(w, Magic)
	if err != nil {
		return fmt.Errorf("wire: write handshake: %w", err)
	}
	return nil
}

// ReadHandshake consumes and validates the magic header, failing the
// connection immediately on a mismatch rather than attempting to frame
// whatever bytes follow.
func ReadHandshake(r io.Reader) error {
	buf := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("wire: read handshake: %w", err)
	}
	if string(buf) != Magic {
		return engerr.New(engerr.KindParse, "wire: bad handshake magic %q", buf)
	}
	return nil
}

// WriteFrame writes payload as [length:u32 BE][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return engerr.New(engerr.KindParse, "wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one [length:u32 BE][payload] frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, engerr.New(engerr.KindParse, "wire: incoming frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}
