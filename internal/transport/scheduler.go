package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

const (
	DefaultIdleThreshold = 20 * time.Millisecond
	DefaultPollInterval  = time.Millisecond
	DefaultWriteTimeout  = 250 * time.Millisecond
)

var (
	// ErrQueueFull is returned by Enqueue when the outbound queue is at capacity.
	ErrQueueFull = errors.New("tx queue full")
	// ErrWriteTimeout is reported when the transport does not confirm a flush in time.
	ErrWriteTimeout = errors.New("tx write timeout")
	// ErrSchedulerRunning is returned when Run is called on a scheduler that is already running.
	ErrSchedulerRunning = errors.New("tx scheduler already running")
)

// WriteFunc puts one encoded frame on the wire and returns once the transport
// reports the bytes fully flushed.
type WriteFunc func(frame []byte) error

// Hooks let the owner keep its own metrics and logging without touching the
// drain loop.
type Hooks struct {
	// OnError is called when a write fails or times out; the request is not retried.
	OnError func(ibus.OutboundRequest, error)
	// OnAfter is called after a write was flushed.
	OnAfter func(ibus.OutboundRequest)
	// OnDrop is called when Enqueue rejects a request because the queue is full.
	OnDrop func(ibus.OutboundRequest)
	// OnExpire is called with the number of requests discarded for exceeding MaxAge.
	OnExpire func(int)
}

// Config tunes the idle gate and queueing.
type Config struct {
	// IdleThreshold is the bus silence required before a frame may be sent.
	IdleThreshold time.Duration
	// PollInterval is how often the idle condition is re-evaluated.
	PollInterval time.Duration
	// QueueSize is the outbound queue capacity.
	QueueSize int
	// WriteTimeout bounds the wait for a flush; <= 0 waits indefinitely.
	WriteTimeout time.Duration
	// MaxAge discards requests that waited longer than this before transmission; 0 disables.
	MaxAge time.Duration
}

// DefaultConfig returns the bus defaults: 20ms silence, 1ms polling, 1000 queued requests.
func DefaultConfig() Config {
	return Config{
		IdleThreshold: DefaultIdleThreshold,
		PollInterval:  DefaultPollInterval,
		QueueSize:     DefaultQueueSize,
		WriteTimeout:  DefaultWriteTimeout,
	}
}

// Scheduler serializes outbound requests and releases them one at a time once
// the bus has been silent for IdleThreshold.
//
// Life-cycle:
//
//	s := NewScheduler(cfg, activity, hooks)
//	go s.Run(ctx, port.WriteFrame)
//	s.Enqueue(req)
//	cancel() // Run returns after any in-flight write settles
//
// The queue outlives Run, so a link may stop and restart the loop around a
// reconnect without losing accepted requests.
type Scheduler struct {
	cfg      Config
	queue    *Queue
	activity *ActivityClock
	clock    Clock
	hooks    Hooks
	logger   *slog.Logger
	wake     chan struct{}
	running  atomic.Bool

	// pending holds a write that outlived WriteTimeout. Only the Run goroutine touches it.
	pending chan error
}

type SchedulerOption func(*Scheduler)

func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler builds a scheduler. A nil activity clock gets a fresh one.
func NewScheduler(cfg Config, activity *ActivityClock, hooks Hooks, opts ...SchedulerOption) *Scheduler {
	def := DefaultConfig()
	if cfg.IdleThreshold < 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	s := &Scheduler{
		cfg:    cfg,
		queue:  NewQueue(cfg.QueueSize),
		clock:  SystemClock,
		hooks:  hooks,
		logger: logging.Component("tx"),
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if activity == nil {
		activity = NewActivityClock(s.clock)
	}
	s.activity = activity
	return s
}

// Enqueue appends req to the tail of the queue. It returns ErrQueueFull without
// changing the queue when capacity is reached. The payload is copied.
func (s *Scheduler) Enqueue(req ibus.OutboundRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	req.Payload = append([]byte(nil), req.Payload...)
	if !s.queue.Push(Item{Req: req, Enqueued: s.clock.Now()}) {
		if s.hooks.OnDrop != nil {
			s.hooks.OnDrop(req)
		}
		return ErrQueueFull
	}
	metrics.SetTxQueueDepth(s.queue.Len())
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the idle-polling loop until ctx is done. Inbound processing is
// never blocked by it: it only ever waits on its own ticker.
func (s *Scheduler) Run(ctx context.Context, write WriteFunc) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	defer s.running.Store(false)
	s.logger.Debug("tx_scheduler_run", "queue_cap", s.queue.Cap(), "queued", s.queue.Len(),
		"idle_threshold", s.cfg.IdleThreshold, "write_timeout", s.cfg.WriteTimeout)
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.settle()
			return nil
		default:
		}
		s.step(write)
		select {
		case <-ctx.Done():
			s.settle()
			return nil
		case <-t.C:
		case <-s.wake:
		}
	}
}

// step performs at most one drain and reports whether a frame was handed to
// the transport.
func (s *Scheduler) step(write WriteFunc) bool {
	if !s.inflightSettled() {
		return false
	}
	if s.cfg.MaxAge > 0 {
		if n := s.queue.DropOlderThan(s.clock.Now().Add(-s.cfg.MaxAge)); n > 0 {
			metrics.SetTxQueueDepth(s.queue.Len())
			if s.hooks.OnExpire != nil {
				s.hooks.OnExpire(n)
			}
		}
	}
	if s.queue.Len() == 0 || s.activity.Silence() < s.cfg.IdleThreshold {
		return false
	}
	it, ok := s.queue.Pop()
	if !ok {
		return false
	}
	metrics.SetTxQueueDepth(s.queue.Len())
	frame, err := it.Req.Encode()
	if err != nil {
		s.fail(it.Req, err)
		return false
	}
	if err := s.transmit(write, frame); err != nil {
		s.fail(it.Req, err)
		return true
	}
	// a frame we just sent is bus activity too
	s.activity.Touch()
	if s.hooks.OnAfter != nil {
		s.hooks.OnAfter(it.Req)
	}
	return true
}

func (s *Scheduler) fail(req ibus.OutboundRequest, err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(req, err)
	}
}

// transmit issues the write and waits up to WriteTimeout for it to settle.
func (s *Scheduler) transmit(write WriteFunc, frame []byte) error {
	if s.cfg.WriteTimeout <= 0 {
		return write(frame)
	}
	done := make(chan error, 1)
	go func() { done <- write(frame) }()
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.pending = done
		return fmt.Errorf("%w after %s", ErrWriteTimeout, s.cfg.WriteTimeout)
	}
}

// inflightSettled reports whether no timed-out write is still running.
func (s *Scheduler) inflightSettled() bool {
	if s.pending == nil {
		return true
	}
	select {
	case err := <-s.pending:
		s.pending = nil
		s.activity.Touch()
		if err != nil {
			s.logger.Debug("tx_late_write_error", "error", err)
		}
		return true
	default:
		return false
	}
}

// settle waits for a timed-out write before Run returns, bounded by one more
// WriteTimeout so a wedged transport cannot hold shutdown forever.
func (s *Scheduler) settle() {
	if s.pending == nil {
		return
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-s.pending:
	case <-timer.C:
		s.logger.Warn("tx_abandon_inflight", "timeout", s.cfg.WriteTimeout)
	}
	s.pending = nil
}

// Len returns the number of queued requests.
func (s *Scheduler) Len() int { return s.queue.Len() }

// Clear discards every queued request and returns how many were dropped.
func (s *Scheduler) Clear() int {
	n := s.queue.Clear()
	metrics.SetTxQueueDepth(0)
	return n
}
