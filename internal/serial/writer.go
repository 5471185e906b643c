package serial

import (
	"fmt"
	"io"
	"time"
)

// Writer puts frames on the UART and returns only once they have left it.
// Ports implementing Drainer are drained; for the others the writer waits for
// the frame's time on the wire, since the write call returns as soon as the
// bytes reach the kernel buffer.
type Writer struct {
	port        Port
	baud        int
	bitsPerByte int
	sleep       func(time.Duration)
}

// NewWriter binds port using cfg for line timing.
func NewWriter(port Port, cfg Config) *Writer {
	return &Writer{port: port, baud: cfg.Baud, bitsPerByte: cfg.BitsPerByte(), sleep: time.Sleep}
}

// WriteFrame satisfies transport.WriteFunc.
func (w *Writer) WriteFrame(frame []byte) error {
	n, err := w.port.Write(frame)
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("serial write: %w (%d of %d)", io.ErrShortWrite, n, len(frame))
	}
	if d, ok := w.port.(Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("serial drain: %w", err)
		}
		return nil
	}
	w.sleep(WireTime(len(frame), w.baud, w.bitsPerByte))
	return nil
}

// WireTime is how long n bytes occupy the line at baud.
func WireTime(n, baud, bitsPerByte int) time.Duration {
	if n <= 0 || baud <= 0 || bitsPerByte <= 0 {
		return 0
	}
	return time.Duration(n*bitsPerByte) * time.Second / time.Duration(baud)
}
