package ibus

import (
	"fmt"
	"time"
)

var nowFunc = time.Now

// Message is the decoded, validated content of one frame. It owns its payload.
type Message struct {
	Src        byte
	Dst        byte
	Payload    []byte
	Checksum   byte
	ObservedAt time.Time
}

func (f Frame) message(at time.Time) Message {
	p := make([]byte, len(f.Payload))
	copy(p, f.Payload)
	return Message{Src: f.Src, Dst: f.Dst, Payload: p, Checksum: f.Checksum, ObservedAt: at}
}

// Len is the value of the wire len byte for this message.
func (m Message) Len() int { return len(m.Payload) + MinLen }

// Command returns the first payload byte, which by convention selects the command.
func (m Message) Command() (byte, bool) {
	if len(m.Payload) == 0 {
		return 0, false
	}
	return m.Payload[0], true
}

// Bytes re-encodes the message to its wire form.
func (m Message) Bytes() []byte {
	b, _ := Encode(m.Src, m.Dst, m.Payload)
	return b
}

func (m Message) String() string {
	return fmt.Sprintf("%02X -> %02X [% X] crc=%02X", m.Src, m.Dst, m.Payload, m.Checksum)
}

// OutboundRequest is a frame waiting to be transmitted.
type OutboundRequest struct {
	Src     byte
	Dst     byte
	Payload []byte
}

// Validate reports whether the request can be encoded.
func (r OutboundRequest) Validate() error {
	if len(r.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(r.Payload), MaxPayload)
	}
	return nil
}

// Encode returns the wire bytes for the request.
func (r OutboundRequest) Encode() ([]byte, error) { return Encode(r.Src, r.Dst, r.Payload) }
