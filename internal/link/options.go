package link

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/serial"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

// QueuePolicy decides what happens to queued requests across a reconnect.
type QueuePolicy string

const (
	// QueueRetain keeps queued requests; they are sent once the link is back.
	QueueRetain QueuePolicy = "retain"
	// QueueDiscard drops every queued request when a transport error is detected.
	QueueDiscard QueuePolicy = "discard"
	// QueueExpire drops requests older than the configured max age before sending.
	QueueExpire QueuePolicy = "expire"
)

// ParseQueuePolicy validates s.
func ParseQueuePolicy(s string) (QueuePolicy, bool) {
	switch p := QueuePolicy(s); p {
	case QueueRetain, QueueDiscard, QueueExpire:
		return p, true
	default:
		return "", false
	}
}

const (
	defaultReadBufSize     = 256
	defaultRecoverAttempts = 10
	defaultRecoverDelay    = 100 * time.Millisecond
	defaultRecoverMaxDelay = 5 * time.Second
	eofBackoff             = time.Millisecond
)

type options struct {
	sched           transport.Config
	queuePolicy     QueuePolicy
	maxAge          time.Duration
	maxBuffer       int
	keepOnOverflow  int
	readBufSize     int
	recoverAttempts uint
	recoverDelay    time.Duration
	recoverMaxDelay time.Duration
	clock           transport.Clock
	logger          *slog.Logger
	writer          func(serial.Port) transport.WriteFunc
}

func defaultOptions() options {
	return options{
		sched:           transport.DefaultConfig(),
		queuePolicy:     QueueRetain,
		maxBuffer:       ibus.DefaultMaxBuffer,
		keepOnOverflow:  ibus.DefaultKeepOnOverflow,
		readBufSize:     defaultReadBufSize,
		recoverAttempts: defaultRecoverAttempts,
		recoverDelay:    defaultRecoverDelay,
		recoverMaxDelay: defaultRecoverMaxDelay,
		clock:           transport.SystemClock,
		writer: func(p serial.Port) transport.WriteFunc {
			return serial.NewWriter(p, serial.DefaultConfig("")).WriteFrame
		},
	}
}

type Option func(*options)

// WithScheduler sets the idle gate, poll interval, queue size and write timeout.
func WithScheduler(cfg transport.Config) Option { return func(o *options) { o.sched = cfg } }

// WithQueuePolicy selects the reconnect queue policy; maxAge is used by QueueExpire.
func WithQueuePolicy(p QueuePolicy, maxAge time.Duration) Option {
	return func(o *options) {
		if _, ok := ParseQueuePolicy(string(p)); ok {
			o.queuePolicy = p
			o.maxAge = maxAge
		}
	}
}

// WithDecoderLimits sets the decoder overflow bound and recovery window.
func WithDecoderLimits(maxBuffer, keep int) Option {
	return func(o *options) { o.maxBuffer, o.keepOnOverflow = maxBuffer, keep }
}

// WithRecovery tunes automatic reopen after a transport error.
func WithRecovery(attempts uint, delay, maxDelay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.recoverAttempts = attempts
		}
		if delay > 0 {
			o.recoverDelay = delay
		}
		if maxDelay > 0 {
			o.recoverMaxDelay = maxDelay
		}
	}
}

func WithClock(c transport.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWriter sets how a freshly opened port is turned into the scheduler's write function.
func WithWriter(fn func(serial.Port) transport.WriteFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.writer = fn
		}
	}
}
