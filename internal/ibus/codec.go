package ibus

import (
	"errors"
	"fmt"
	"io"
)

// Wire layout: [src][len][dst][payload...][checksum], len counts dst+payload+checksum.
const (
	HeaderLen   = 3
	MinLen      = 2          // dst + checksum, empty payload
	MaxLen      = 255        // len is a single byte
	MaxPayload  = MaxLen - 2 // 253
	MinFrameLen = MinLen + 2 // 4
	MaxFrameLen = MaxLen + 2 // 257
)

var (
	// ErrPayloadTooLarge is returned when a payload cannot fit the single length byte.
	ErrPayloadTooLarge = errors.New("ibus: payload too large")
	// ErrInvalidLength is returned for a declared len below MinLen or a size mismatch.
	ErrInvalidLength = errors.New("ibus: invalid length")
	// ErrShortFrame is returned when a buffer ends before the declared frame size.
	ErrShortFrame = errors.New("ibus: short frame")
	// ErrChecksumMismatch is returned when the trailer does not match the XOR of the frame.
	ErrChecksumMismatch = errors.New("ibus: checksum mismatch")
)

// Checksum returns the running XOR of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// Encode builds a wire frame for payload sent from src to dst.
func Encode(src, dst byte, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, len(payload)+MinFrameLen), src, dst, payload)
}

// AppendFrame appends the wire encoding of one frame to buf.
func AppendFrame(buf []byte, src, dst byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return buf, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	start := len(buf)
	buf = append(buf, src, byte(len(payload)+MinLen), dst)
	buf = append(buf, payload...)
	return append(buf, Checksum(buf[start:])), nil
}

// Result classifies the bytes found at a scan position.
type Result int

const (
	// Incomplete means the buffer ends before the declared frame does.
	Incomplete Result = iota
	// Valid means a complete frame with a matching checksum.
	Valid
	// BadLength means the declared len is below MinLen.
	BadLength
	// BadChecksum means a complete candidate whose trailer does not match.
	BadChecksum
)

func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Valid:
		return "valid"
	case BadLength:
		return "bad_length"
	case BadChecksum:
		return "bad_checksum"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Frame is a view of one validated frame inside a larger buffer.
// Payload aliases the source buffer and must be copied before the buffer is reused.
type Frame struct {
	Src      byte
	Len      byte
	Dst      byte
	Payload  []byte
	Checksum byte
}

// Size is the total number of wire bytes occupied by the frame.
func (f Frame) Size() int { return int(f.Len) + 2 }

// Extract recognizes a frame starting at buf[off]. Only a Valid result carries a Frame.
func Extract(buf []byte, off int) (Frame, Result) {
	if off < 0 || off+MinFrameLen > len(buf) {
		return Frame{}, Incomplete
	}
	ln := int(buf[off+1])
	if ln < MinLen {
		return Frame{}, BadLength
	}
	size := ln + 2
	if off+size > len(buf) {
		return Frame{}, Incomplete
	}
	raw := buf[off : off+size]
	if Checksum(raw[:size-1]) != raw[size-1] {
		return Frame{}, BadChecksum
	}
	return Frame{
		Src:      raw[0],
		Len:      raw[1],
		Dst:      raw[2],
		Payload:  raw[HeaderLen : size-1],
		Checksum: raw[size-1],
	}, Valid
}

// Decode parses exactly one complete frame. Trailing bytes are an error.
func Decode(raw []byte) (Message, error) {
	if len(raw) < MinFrameLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	fr, res := Extract(raw, 0)
	switch res {
	case Valid:
	case BadChecksum:
		return Message{}, ErrChecksumMismatch
	case BadLength:
		return Message{}, fmt.Errorf("%w: len=%d", ErrInvalidLength, raw[1])
	default:
		return Message{}, fmt.Errorf("%w: have %d, want %d", ErrShortFrame, len(raw), int(raw[1])+2)
	}
	if fr.Size() != len(raw) {
		return Message{}, fmt.Errorf("%w: frame is %d bytes, got %d", ErrInvalidLength, fr.Size(), len(raw))
	}
	return fr.message(nowFunc()), nil
}

// WriteMessages writes the wire representation of msgs to w and returns bytes written.
func WriteMessages(w io.Writer, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	buf := make([]byte, 0, len(msgs)*(MinFrameLen+8))
	var err error
	for _, m := range msgs {
		if buf, err = AppendFrame(buf, m.Src, m.Dst, m.Payload); err != nil {
			return 0, err
		}
	}
	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("ibus write: %w", err)
	}
	return n, nil
}
