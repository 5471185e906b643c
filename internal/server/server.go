// Package server relays bus traffic over TCP. Every decoded bus message is sent
// to each connected client as a raw wire frame; raw frames written by a client
// are decoded and queued for transmission on the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/hub"
	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

// SendFunc queues a request for transmission on the bus.
type SendFunc func(ibus.OutboundRequest) error

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultReadBufSize      = 1024
	defaultClientQueue      = 512

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
	keepAlivePeriod  = 30 * time.Second
)

// limits holds the per-connection tunables.
type limits struct {
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	writeDeadline    time.Duration
	handshakeTimeout time.Duration
	readBufSize      int
	maxClients       int
}

type counters struct {
	accepted, handshakeFail, rejected atomic.Uint64
	connected, disconnected           atomic.Uint64
	busOverflow, busErrors, filtered  atomic.Uint64
}

// Server accepts relay clients and joins them to the hub.
type Server struct {
	hub    *hub.Hub
	send   SendFunc
	filter func(*ibus.Message) bool
	lim    limits
	logger *slog.Logger

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error

	sessMu   sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
	connSeq  atomic.Uint64
	stats    counters
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		lim: limits{
			flushInterval:    defaultFlushInterval,
			batchSize:        defaultBatchSize,
			readDeadline:     defaultReadDeadline,
			writeDeadline:    defaultWriteDeadline,
			handshakeTimeout: defaultHandshakeTimeout,
			readBufSize:      defaultReadBufSize,
		},
		addr:     ":0",
		readyCh:  make(chan struct{}),
		errCh:    make(chan error, 1),
		sessions: make(map[*session]struct{}),
		logger:   logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption {
	return func(s *Server) {
		if a != "" {
			s.addr = a
		}
	}
}

func WithHub(h *hub.Hub) ServerOption   { return func(s *Server) { s.hub = h } }
func WithSend(fn SendFunc) ServerOption { return func(s *Server) { s.send = fn } }
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMessageFilter drops client-originated messages for which fn returns false.
func WithMessageFilter(fn func(*ibus.Message) bool) ServerOption {
	return func(s *Server) { s.filter = fn }
}

func positive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.lim.flushInterval, d) }
}

func WithBatchSize(n int) ServerOption { return func(s *Server) { positive(&s.lim.batchSize, n) } }

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.lim.readDeadline, d) }
}

func WithWriteDeadline(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.lim.writeDeadline, d) }
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.lim.handshakeTimeout, d) }
}

// WithMaxClients caps simultaneous clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption { return func(s *Server) { positive(&s.lim.maxClients, n) } }

// Addr is the configured address, or the bound one once Serve is listening.
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors delivers the most recent error when nobody has drained the previous one.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve listens and accepts relay clients until ctx ends. It returns nil on
// cancellation and an error only when the listener itself fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, acceptBackoffMin), acceptBackoffMax)
				s.logger.Warn("tcp_accept_retry", "error", err, "delay", backoff)
				time.Sleep(backoff)
				continue
			}
			return s.fail(ErrAccept, err)
		}
		backoff = 0
		s.stats.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, conn)
		}()
	}
}

// admit runs the hello exchange and the client limit check, then starts the
// session. Rejected connections are closed.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	id := s.connSeq.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := Handshake(ctx, conn, s.lim.handshakeTimeout); err != nil {
		err = s.fail(ErrHandshake, err)
		s.stats.handshakeFail.Add(1)
		log.Warn("handshake_failed", "error", err)
		_ = conn.Close()
		return
	}
	if s.lim.maxClients > 0 && s.clientCount() >= s.lim.maxClients {
		s.stats.rejected.Add(1)
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.lim.maxClients)
		_ = conn.Close()
		return
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	ss := s.newSession(conn, log)
	s.stats.connected.Add(1)
	log.Info("client_connected")
	ss.start(ctx.Done())
}

func (s *Server) clientCount() int {
	if s.hub != nil {
		return s.hub.Count()
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessions)
}

func (s *Server) newSession(conn net.Conn, log *slog.Logger) *session {
	size := defaultClientQueue
	if s.hub != nil {
		size = s.hub.QueueSize()
	}
	ss := &session{srv: s, conn: conn, client: hub.NewClient(size), log: log}
	s.sessMu.Lock()
	s.sessions[ss] = struct{}{}
	s.sessMu.Unlock()
	if s.hub != nil {
		s.hub.Add(ss.client)
	}
	return ss
}

func (s *Server) endSession(ss *session) {
	s.sessMu.Lock()
	delete(s.sessions, ss)
	s.sessMu.Unlock()
	if s.hub != nil {
		s.hub.Remove(ss.client)
	} else {
		ss.client.Close()
	}
	s.stats.disconnected.Add(1)
	ss.log.Info("client_disconnected")
}

// Stats is a summary of connection counters.
type Stats struct {
	Accepted      uint64
	HandshakeFail uint64
	Rejected      uint64
	Connected     uint64
	Disconnected  uint64
	// BusOverflow counts client frames dropped because the transmit queue was full.
	BusOverflow uint64
	BusErrors   uint64
	Filtered    uint64
}

func (s *Server) Stats() Stats {
	c := &s.stats
	return Stats{
		Accepted:      c.accepted.Load(),
		HandshakeFail: c.handshakeFail.Load(),
		Rejected:      c.rejected.Load(),
		Connected:     c.connected.Load(),
		Disconnected:  c.disconnected.Load(),
		BusOverflow:   c.busOverflow.Load(),
		BusErrors:     c.busErrors.Load(),
		Filtered:      c.filtered.Load(),
	}
}

// Shutdown closes the listener and every session, then waits for their
// goroutines or ctx, whichever ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.sessMu.Lock()
	for ss := range s.sessions {
		ss.close()
	}
	s.sessMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.logger.Info("shutdown_summary", "accepted", st.Accepted, "handshake_fail", st.HandshakeFail,
		"rejected", st.Rejected, "connected", st.Connected, "disconnected", st.Disconnected,
		"bus_overflow", st.BusOverflow, "bus_errors", st.BusErrors)
	return nil
}
