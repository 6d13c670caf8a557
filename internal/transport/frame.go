package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire layout: two magic bytes, a big-endian uint16 payload length, payload.
const (
	magicHi byte = 0x94
	magicLo byte = 0xc3

	frameHeaderLen = 4
	// maxFramePayload mirrors the firmware's MAX_TO_FROM_RADIO_SIZE.
	maxFramePayload = 512
)

var errEmptyPayload = errors.New("frame payload is empty")

// fillFunc fills the whole buffer or fails.
type fillFunc func(buf []byte) error

func fillFrom(r io.Reader) fillFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)
		return err
	}
}

func encodeFrame(payload []byte) ([]byte, error) {
	switch {
	case len(payload) == 0:
		return nil, errEmptyPayload
	case len(payload) > maxFramePayload:
		return nil, fmt.Errorf("frame payload of %d bytes exceeds %d", len(payload), maxFramePayload)
	}

	out := make([]byte, 0, frameHeaderLen+len(payload))
	out = append(out, magicHi, magicLo)
	// #nosec G115 -- bounded by maxFramePayload.
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))

	return append(out, payload...), nil
}

// readFrame returns the next payload, discarding anything before the magic
// bytes. Serial firmware interleaves console text with frames.
func readFrame(fill fillFunc) ([]byte, error) {
	var b [2]byte
	prevHi := false
	for {
		if err := fill(b[:1]); err != nil {
			return nil, fmt.Errorf("scan for frame start: %w", err)
		}
		if prevHi && b[0] == magicLo {
			break
		}
		prevHi = b[0] == magicHi
	}

	if err := fill(b[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	size := binary.BigEndian.Uint16(b[:])
	if size == 0 || size > maxFramePayload {
		return nil, fmt.Errorf("frame length %d out of range", size)
	}

	payload := make([]byte, size)
	if err := fill(payload); err != nil {
		return nil, fmt.Errorf("read %d byte frame payload: %w", size, err)
	}

	return payload, nil
}
