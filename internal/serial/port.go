package serial

import (
	"fmt"
	"strings"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Port abstracts the serial drivers for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Drainer is implemented by ports that can block until the OS transmit buffer is empty.
type Drainer interface {
	Drain() error
}

// Supported drivers.
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// Parity values accepted by Config.
const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// Config describes how to open the bus UART. The I-Bus runs at 9600 baud, 8 data bits, one stop bit.
type Config struct {
	Name        string
	Baud        int
	Parity      string
	ReadTimeout time.Duration
	Driver      string
}

// DefaultConfig returns 9600 8E1 on the tarm driver.
func DefaultConfig(name string) Config {
	return Config{Name: name, Baud: 9600, Parity: ParityEven, ReadTimeout: 50 * time.Millisecond, Driver: DriverTarm}
}

// BitsPerByte is the number of line bits one data byte occupies (start + 8 data + parity + stop).
func (c Config) BitsPerByte() int {
	if strings.EqualFold(c.Parity, ParityNone) || c.Parity == "" {
		return 10
	}
	return 11
}

// Open opens the device with the configured driver.
func Open(cfg Config) (Port, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverTarm:
		return openTarm(cfg)
	case DriverBugst:
		return openBugst(cfg)
	default:
		return nil, fmt.Errorf("unknown serial driver %q (use %s|%s)", cfg.Driver, DriverTarm, DriverBugst)
	}
}

func openTarm(cfg Config) (Port, error) {
	var parity tarm.Parity
	switch strings.ToLower(cfg.Parity) {
	case "", ParityNone:
		parity = tarm.ParityNone
	case ParityEven:
		parity = tarm.ParityEven
	case ParityOdd:
		parity = tarm.ParityOdd
	default:
		return nil, fmt.Errorf("unknown parity %q", cfg.Parity)
	}
	return tarm.OpenPort(&tarm.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      parity,
		StopBits:    tarm.Stop1,
	})
}

func openBugst(cfg Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		StopBits: bugst.OneStopBit,
	}
	switch strings.ToLower(cfg.Parity) {
	case "", ParityNone:
		mode.Parity = bugst.NoParity
	case ParityEven:
		mode.Parity = bugst.EvenParity
	case ParityOdd:
		mode.Parity = bugst.OddParity
	default:
		return nil, fmt.Errorf("unknown parity %q", cfg.Parity)
	}
	p, err := bugst.Open(cfg.Name, mode)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return p, nil
}
