package framestream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// headerSize is the length prefix width: one big-endian uint32.
	headerSize = 4

	// DefaultPoolFrameBytes sizes the reusable payload buffers. Frames
	// above it (but within the limit) fall back to one-off allocations.
	DefaultPoolFrameBytes = 1 << 20

	// HardMaxFrameBytes is the protocol ceiling for a single frame. A
	// length beyond it cannot be a real access unit; the stream is
	// treated as corrupt.
	HardMaxFrameBytes = 10 << 20
)

var (
	// ErrZeroLength reports a frame header announcing an empty payload.
	ErrZeroLength = errors.New("framestream: zero-length frame")

	// ErrFrameTooLarge reports a frame header above the configured limit.
	ErrFrameTooLarge = errors.New("framestream: frame exceeds size limit")
)

// readFrameInto reads one length-prefixed frame from r. The header goes
// through scratch (len >= 4); the payload lands in buf when it fits,
// otherwise in a fresh allocation. Returns the payload slice and whether
// it aliases buf.
//
// Header and payload reads both use io.ReadFull, so arbitrary TCP
// segmentation reassembles exactly. A length of zero or above max is a
// protocol violation: the caller must drop the connection, since the
// next header position is unknowable.
func readFrameInto(r io.Reader, scratch, buf []byte, max int) (payload []byte, pooled bool, err error) {
	if _, err := io.ReadFull(r, scratch[:headerSize]); err != nil {
		return nil, false, err
	}
	length := binary.BigEndian.Uint32(scratch[:headerSize])
	if length == 0 {
		return nil, false, ErrZeroLength
	}
	if int64(length) > int64(max) {
		return nil, false, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, max)
	}

	pooled = int(length) <= len(buf)
	if pooled {
		payload = buf[:length]
	} else {
		payload = make([]byte, length)
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, pooled, fmt.Errorf("framestream: reading %d-byte payload: %w", length, err)
	}
	return payload, pooled, nil
}

// ReadFrame reads one length-prefixed frame from r into a fresh buffer,
// enforcing HardMaxFrameBytes. Intended for tools and tests; the
// receiver's hot path uses pooled buffers internally.
func ReadFrame(r io.Reader) ([]byte, error) {
	var scratch [headerSize]byte
	payload, _, err := readFrameInto(r, scratch[:], nil, HardMaxFrameBytes)
	return payload, err
}

// WriteFrame writes payload to w with the 4-byte big-endian length
// prefix. Used by stream producers (see examples/filesender) and tests.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrZeroLength
	}
	if len(payload) > HardMaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("framestream: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framestream: writing frame payload: %w", err)
	}
	return nil
}
