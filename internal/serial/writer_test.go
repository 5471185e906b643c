package serial

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

type fakePort struct {
	written bytes.Buffer
	short   bool
	err     error
}

func (f *fakePort) Read(p []byte) (int, error) { return 0, io.EOF }
func (f *fakePort) Write(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.short {
		return len(p) - 1, nil
	}
	return f.written.Write(p)
}
func (f *fakePort) Close() error { return nil }

type drainPort struct {
	fakePort
	drained int
}

func (d *drainPort) Drain() error { d.drained++; return nil }

func TestWireTime(t *testing.T) {
	// 5 bytes at 9600 8E1 = 55 bits
	if got, want := WireTime(5, 9600, 11), 55*time.Second/9600; got != want {
		t.Fatalf("WireTime = %v, want %v", got, want)
	}
	if WireTime(0, 9600, 11) != 0 || WireTime(5, 0, 11) != 0 {
		t.Fatalf("degenerate inputs must yield 0")
	}
}

func TestConfig_BitsPerByte(t *testing.T) {
	if (Config{Parity: ParityNone}).BitsPerByte() != 10 {
		t.Fatalf("8N1 should be 10 bits")
	}
	if (Config{Parity: ParityEven}).BitsPerByte() != 11 {
		t.Fatalf("8E1 should be 11 bits")
	}
}

func TestWriter_WaitsWireTimeWithoutDrainer(t *testing.T) {
	p := &fakePort{}
	w := NewWriter(p, DefaultConfig("fake"))
	var slept time.Duration
	w.sleep = func(d time.Duration) { slept = d }
	frame := []byte{0x68, 0x03, 0x18, 0x11, 0x62}
	if err := w.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(p.written.Bytes(), frame) {
		t.Fatalf("wrote % X", p.written.Bytes())
	}
	if slept != WireTime(5, 9600, 11) {
		t.Fatalf("slept %v", slept)
	}
}

func TestWriter_UsesDrain(t *testing.T) {
	p := &drainPort{}
	w := NewWriter(p, DefaultConfig("fake"))
	w.sleep = func(time.Duration) { t.Fatalf("must not sleep when Drain is available") }
	if err := w.WriteFrame([]byte{0x68, 0x03, 0x18, 0x11, 0x62}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if p.drained != 1 {
		t.Fatalf("drained %d times", p.drained)
	}
}

func TestWriter_Errors(t *testing.T) {
	boom := errors.New("boom")
	w := NewWriter(&fakePort{err: boom}, DefaultConfig("fake"))
	if err := w.WriteFrame([]byte{1, 2, 3, 4}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	w = NewWriter(&fakePort{short: true}, DefaultConfig("fake"))
	w.sleep = func(time.Duration) {}
	if err := w.WriteFrame([]byte{1, 2, 3, 4}); !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected short write, got %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := DefaultConfig("/dev/null")
	cfg.Driver = "nope"
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
