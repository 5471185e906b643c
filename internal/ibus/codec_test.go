package ibus

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncode_WireExample(t *testing.T) {
	got, err := Encode(0x68, 0x18, []byte{0x11})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x68, 0x03, 0x18, 0x11, 0x62}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = % X, want % X", got, want)
	}
}

func TestEncode_KnownFrames(t *testing.T) {
	tests := []struct {
		name     string
		src, dst byte
		payload  []byte
		want     []byte
	}{
		{"knob_right", 0xF0, 0x3B, []byte{0x49, 0x81}, []byte{0xF0, 0x04, 0x3B, 0x49, 0x81, 0x07}},
		{"knob_pressed", 0xF0, 0x3B, []byte{0x48, 0x05}, []byte{0xF0, 0x04, 0x3B, 0x48, 0x05, 0x82}},
		{"monitor_on_gt", 0xED, 0xF0, []byte{0x4F, 0x12, 0x11}, []byte{0xED, 0x05, 0xF0, 0x4F, 0x12, 0x11, 0x54}},
		{"anzv_time", 0x80, 0xE7, []byte{0x24, 0x01, 0x00, 0x31, 0x36, 0x3A, 0x32, 0x31, 0x20, 0x20},
			[]byte{0x80, 0x0C, 0xE7, 0x24, 0x01, 0x00, 0x31, 0x36, 0x3A, 0x32, 0x31, 0x20, 0x20, 0x70}},
		{"empty_payload", 0x3F, 0x00, nil, []byte{0x3F, 0x02, 0x00, 0x3D}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.src, tc.dst, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("Encode = % X, want % X", got, tc.want)
			}
		})
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	if _, err := Encode(0, 0, make([]byte, MaxPayload)); err != nil {
		t.Fatalf("max payload rejected: %v", err)
	}
	_, err := Encode(0, 0, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestChecksum_XorOfEveryByte(t *testing.T) {
	if got := Checksum([]byte{0x68, 0x03, 0x18, 0x11}); got != 0x62 {
		t.Fatalf("Checksum = %02X, want 62", got)
	}
	if got := Checksum(nil); got != 0 {
		t.Fatalf("Checksum(nil) = %02X, want 00", got)
	}
}

func TestExtract_Results(t *testing.T) {
	valid := []byte{0x68, 0x03, 0x18, 0x11, 0x62}
	tests := []struct {
		name string
		buf  []byte
		off  int
		want Result
	}{
		{"valid", valid, 0, Valid},
		{"short_header", valid[:3], 0, Incomplete},
		{"partial_body", append([]byte{0x68, 0x09, 0x18}, 0x11), 0, Incomplete},
		{"bad_checksum", []byte{0x68, 0x03, 0x18, 0x11, 0x63}, 0, BadChecksum},
		{"len_zero", []byte{0x68, 0x00, 0x18, 0x11, 0x62}, 0, BadLength},
		{"len_one", []byte{0x68, 0x01, 0x18, 0x11, 0x62}, 0, BadLength},
		{"offset", append([]byte{0xAA}, valid...), 1, Valid},
		{"negative_offset", valid, -1, Incomplete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, got := Extract(tc.buf, tc.off)
			if got != tc.want {
				t.Fatalf("Extract = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExtract_FrameFields(t *testing.T) {
	fr, res := Extract([]byte{0x50, 0x04, 0x68, 0x32, 0x11, 0x1F}, 0)
	if res != Valid {
		t.Fatalf("Extract result %v", res)
	}
	if fr.Src != 0x50 || fr.Dst != 0x68 || fr.Len != 4 || fr.Checksum != 0x1F || fr.Size() != 6 {
		t.Fatalf("unexpected frame %+v", fr)
	}
	if !bytes.Equal(fr.Payload, []byte{0x32, 0x11}) {
		t.Fatalf("payload % X", fr.Payload)
	}
}

func TestDecode_Strict(t *testing.T) {
	m, err := Decode([]byte{0x68, 0x03, 0x18, 0x11, 0x62})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Src != 0x68 || m.Dst != 0x18 || !bytes.Equal(m.Payload, []byte{0x11}) || m.Checksum != 0x62 {
		t.Fatalf("unexpected message %v", m)
	}
	if _, err := Decode([]byte{0x68, 0x03, 0x18, 0x11, 0x00}); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, err := Decode([]byte{0x68, 0x03}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected short frame, got %v", err)
	}
	if _, err := Decode([]byte{0x68, 0x03, 0x18, 0x11, 0x62, 0x00}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected invalid length for trailing bytes, got %v", err)
	}
}

func TestWriteMessages_Concatenates(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Src: 0x68, Dst: 0x18, Payload: []byte{0x11}},
		{Src: 0x3F, Dst: 0x00},
	}
	n, err := WriteMessages(&buf, msgs)
	if err != nil {
		t.Fatalf("WriteMessages: %v", err)
	}
	want := []byte{0x68, 0x03, 0x18, 0x11, 0x62, 0x3F, 0x02, 0x00, 0x3D}
	if n != len(want) || !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wrote %d bytes % X, want % X", n, buf.Bytes(), want)
	}
}

func TestOutboundRequest_Validate(t *testing.T) {
	if err := (OutboundRequest{Payload: make([]byte, MaxPayload)}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (OutboundRequest{Payload: make([]byte, MaxPayload+1)}).Validate(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestMessage_Command(t *testing.T) {
	if c, ok := (Message{Payload: []byte{0x24, 0x01}}).Command(); !ok || c != 0x24 {
		t.Fatalf("Command() = %02X, %v", c, ok)
	}
	if _, ok := (Message{}).Command(); ok {
		t.Fatalf("empty payload has no command")
	}
}
