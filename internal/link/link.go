// Package link owns the connection to the bus: it opens the transport, feeds
// received bytes to the frame decoder, gates transmissions on bus silence and
// restarts the transport after mid-session errors.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
	"github.com/kstaniek/go-ibus-server/internal/serial"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTransportOpen  = errors.New("transport open")
	ErrTransport      = errors.New("transport")
	ErrNotOpen        = errors.New("link not open")
	ErrAlreadyStarted = errors.New("link already started")
)

// Opener opens the transport. It is called by Start and on every automatic reopen.
type Opener func(ctx context.Context) (serial.Port, error)

type subscriber struct {
	id uint64
	fn func(ibus.Message)
}

type eventSink struct {
	id uint64
	fn func(Event)
}

// Link is the bus link manager.
type Link struct {
	open Opener
	cfg  options

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	dec      *ibus.Decoder
	sched    *transport.Scheduler
	activity *transport.ActivityClock
	logger   *slog.Logger

	subsMu sync.RWMutex
	subs   []subscriber
	sinks  []eventSink
	nextID uint64
}

// New builds a closed link around open.
func New(open Opener, opts ...Option) *Link {
	cfg := defaultOptions()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.L()
	}
	l := &Link{open: open, cfg: cfg, logger: cfg.logger.With("component", "link")}
	l.activity = transport.NewActivityClock(cfg.clock)
	l.dec = ibus.NewDecoder(
		ibus.WithLimits(cfg.maxBuffer, cfg.keepOnOverflow),
		ibus.WithClock(cfg.clock.Now),
		ibus.WithLogger(l.logger),
		ibus.WithRecoveryHook(func(dropped int) {
			l.emit(Event{Kind: EventOverflowRecovery, Count: dropped})
		}),
	)
	schedCfg := cfg.sched
	if cfg.queuePolicy == QueueExpire {
		schedCfg.MaxAge = cfg.maxAge
	}
	l.sched = transport.NewScheduler(schedCfg, l.activity, transport.Hooks{
		OnError: func(req ibus.OutboundRequest, err error) {
			if errors.Is(err, transport.ErrWriteTimeout) {
				metrics.IncError(metrics.ErrWriteTimeout)
			} else {
				metrics.IncError(metrics.ErrSerialWrite)
			}
			l.logger.Warn("tx_write_error", "error", err, "src", logging.Hex(req.Src), "dst", logging.Hex(req.Dst))
			l.emit(Event{Kind: EventWriteFailure, Err: err, Count: 1})
		},
		OnAfter: func(req ibus.OutboundRequest) {
			metrics.IncTx()
			l.logger.Debug("tx_frame", "src", logging.Hex(req.Src), "dst", logging.Hex(req.Dst), "len", len(req.Payload))
		},
		OnDrop: func(req ibus.OutboundRequest) {
			metrics.IncTxQueueDrop()
			metrics.IncError(metrics.ErrTxOverflow)
			l.logger.Warn("tx_queue_full", "src", logging.Hex(req.Src), "dst", logging.Hex(req.Dst))
			l.emit(Event{Kind: EventQueueOverflow, Err: transport.ErrQueueFull, Count: 1})
		},
		OnExpire: func(n int) {
			metrics.AddTxQueueExpired(n)
			l.logger.Info("tx_queue_expired", "count", n, "max_age", cfg.maxAge)
			l.emit(Event{Kind: EventQueueExpired, Count: n})
		},
	}, transport.WithClock(cfg.clock), transport.WithLogger(l.logger))
	metrics.SetLinkState(int(Closed))
	return l
}

// State returns the current life-cycle state.
func (l *Link) State() State { l.mu.Lock(); defer l.mu.Unlock(); return l.state }

func (l *Link) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	l.publish(prev, s)
}

func (l *Link) publish(prev, s State) {
	if prev == s {
		return
	}
	metrics.SetLinkState(int(s))
	l.logger.Debug("link_state", "from", prev.String(), "to", s.String())
	l.emit(Event{Kind: EventStateChange, State: s})
}

// Start opens the transport and begins receiving and transmitting. An open
// failure is returned wrapped in ErrTransportOpen and leaves the link Closed;
// it is not retried.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Closed || l.running() {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	if l.cancel != nil {
		// previous run ended on its own after a failed recovery
		l.cancel()
		l.cancel, l.done = nil, nil
	}
	l.state = Opening
	l.mu.Unlock()
	l.publish(Closed, Opening)

	port, err := l.open(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		l.setState(Closed)
		return fmt.Errorf("%w: %v", ErrTransportOpen, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.mu.Unlock()
	l.setState(Open)
	l.logger.Info("link_open")
	go l.supervise(runCtx, port, done)
	return nil
}

// running reports whether a supervisor goroutine is still alive. Caller holds mu.
func (l *Link) running() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Stop halts the transmit loop, waits for an in-flight write to settle, closes
// the transport and drops any partially received frame.
func (l *Link) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	select {
	case <-done:
	default:
		l.setState(Closing)
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("link stop: %w", ctx.Err())
	}
	l.dec.Reset()
	l.setState(Closed)
	l.logger.Info("link_closed")
	return nil
}

// Send queues req for transmission once the bus is idle. It never blocks; a
// full queue returns transport.ErrQueueFull and the request is dropped.
// Requests are accepted while the link is opening or recovering.
func (l *Link) Send(req ibus.OutboundRequest) error {
	switch l.State() {
	case Closed, Closing:
		return ErrNotOpen
	}
	return l.sched.Enqueue(req)
}

// Pending returns the number of requests waiting for transmission.
func (l *Link) Pending() int { return l.sched.Len() }

// Flush blocks until the outbound queue is empty or ctx is done.
func (l *Link) Flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for l.sched.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// DecoderStats returns cumulative decoder counters.
func (l *Link) DecoderStats() ibus.Stats { return l.dec.Stats() }

// LastActivity is the instant of the last byte seen on the bus.
func (l *Link) LastActivity() time.Time { return l.activity.Last() }

// Subscribe registers fn to receive every validated message in wire order.
// fn runs on the receive goroutine and must not block or modify the message.
// The returned function removes the subscription.
func (l *Link) Subscribe(fn func(ibus.Message)) (unsubscribe func()) {
	l.subsMu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	l.subsMu.Unlock()
	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// OnEvent registers fn for diagnostic signals. fn may be called from several
// goroutines and must not block.
func (l *Link) OnEvent(fn func(Event)) (unsubscribe func()) {
	l.subsMu.Lock()
	l.nextID++
	id := l.nextID
	l.sinks = append(l.sinks, eventSink{id: id, fn: fn})
	l.subsMu.Unlock()
	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, s := range l.sinks {
			if s.id == id {
				l.sinks = append(l.sinks[:i:i], l.sinks[i+1:]...)
				return
			}
		}
	}
}

func (l *Link) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = l.cfg.clock.Now()
	}
	l.subsMu.RLock()
	sinks := l.sinks
	l.subsMu.RUnlock()
	for _, s := range sinks {
		s.fn(ev)
	}
}

// deliver applies the validation guard and fans m out to subscribers.
func (l *Link) deliver(m ibus.Message) {
	if len(m.Payload) == 0 {
		metrics.IncInvalidMessage()
		l.logger.Debug("link_invalid_message", "src", logging.Hex(m.Src), "dst", logging.Hex(m.Dst))
		l.emit(Event{Kind: EventInvalidMessage, Count: 1})
		return
	}
	l.subsMu.RLock()
	subs := l.subs
	l.subsMu.RUnlock()
	for _, s := range subs {
		s.fn(m)
	}
}

// supervise runs sessions until the link is stopped, reopening the transport
// after each mid-session error.
func (l *Link) supervise(ctx context.Context, port serial.Port, done chan struct{}) {
	defer close(done)
	for {
		err := l.runSession(ctx, port)
		if ctx.Err() != nil {
			return
		}
		metrics.IncError(metrics.ErrSerialRead)
		metrics.IncLinkRestart()
		l.logger.Warn("link_transport_error", "error", err)
		l.setState(ErrorRecovering)
		l.emit(Event{Kind: EventTransportError, Err: err})
		l.dec.Reset()
		if l.cfg.queuePolicy == QueueDiscard {
			if n := l.sched.Clear(); n > 0 {
				l.logger.Info("tx_queue_discarded", "count", n)
				l.emit(Event{Kind: EventQueueDiscarded, Count: n})
			}
		}
		l.setState(Opening)
		port, err = l.reopen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrLinkRecoverFail)
			l.logger.Error("link_recover_failed", "error", err)
			l.emit(Event{Kind: EventTransportError, Err: fmt.Errorf("%w: %v", ErrTransportOpen, err)})
			l.setState(Closed)
			return
		}
		l.setState(Open)
		l.logger.Info("link_recovered")
	}
}

func (l *Link) reopen(ctx context.Context) (serial.Port, error) {
	var port serial.Port
	err := retry.Do(
		func() error {
			p, err := l.open(ctx)
			if err != nil {
				return err
			}
			port = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(l.cfg.recoverAttempts),
		retry.Delay(l.cfg.recoverDelay),
		retry.MaxDelay(l.cfg.recoverMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Warn("link_reopen_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		_ = port.Close()
		return nil, ctx.Err()
	}
	return port, nil
}

// runSession drives one opened port until ctx is done or the port fails. The
// port is always closed on return.
func (l *Link) runSession(ctx context.Context, port serial.Port) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	readDone := make(chan struct{})
	schedDone := make(chan struct{})
	go func() {
		defer close(readDone)
		l.readLoop(sctx, port, errCh)
	}()
	go func() {
		defer close(schedDone)
		if err := l.sched.Run(sctx, l.cfg.writer(port)); err != nil {
			l.logger.Error("tx_scheduler_error", "error", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	// the in-flight write settles before the port goes away
	<-schedDone
	if cerr := port.Close(); cerr != nil {
		l.logger.Debug("link_close_error", "error", cerr)
	}
	<-readDone
	return err
}

func (l *Link) readLoop(ctx context.Context, port serial.Port, errCh chan<- error) {
	buf := make([]byte, l.cfg.readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if n > 0 {
			l.activity.Touch()
			for _, m := range l.dec.Feed(buf[:n]) {
				l.deliver(m)
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		// tarm reports a read timeout as EOF
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if n == 0 {
				time.Sleep(eofBackoff)
			}
			continue
		}
		select {
		case errCh <- fmt.Errorf("%w: %v", ErrTransport, err):
		default:
		}
		return
	}
}
