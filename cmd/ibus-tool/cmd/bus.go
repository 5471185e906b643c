package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/link"
	"github.com/kstaniek/go-ibus-server/internal/serial"
	"github.com/kstaniek/go-ibus-server/internal/server"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 3 * time.Second
)

// bus is what the commands talk to: a local link or a relay connection.
type bus interface {
	Subscribe(fn func(ibus.Message)) (unsubscribe func())
	Send(req ibus.OutboundRequest) error
	// Flush waits until everything sent so far is on the wire.
	Flush(ctx context.Context) error
	Close() error
}

func openBus(ctx context.Context) (bus, error) {
	if serverAddr != "" {
		rb, err := dialRelay(ctx, serverAddr, logger())
		if err != nil {
			return nil, err
		}
		return rb, nil
	}
	lb, err := openLocal(ctx, serialConfig(), logger())
	if err != nil {
		return nil, err
	}
	return lb, nil
}

type localBus struct{ lk *link.Link }

func openLocal(ctx context.Context, cfg serial.Config, l *slog.Logger) (*localBus, error) {
	lk := link.New(
		func(context.Context) (serial.Port, error) { return serial.Open(cfg) },
		link.WithWriter(func(p serial.Port) transport.WriteFunc { return serial.NewWriter(p, cfg).WriteFrame }),
		link.WithLogger(l),
	)
	if err := lk.Start(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	return &localBus{lk: lk}, nil
}

func (b *localBus) Subscribe(fn func(ibus.Message)) func() { return b.lk.Subscribe(fn) }
func (b *localBus) Send(req ibus.OutboundRequest) error    { return b.lk.Send(req) }
func (b *localBus) Flush(ctx context.Context) error        { return b.lk.Flush(ctx) }

func (b *localBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.lk.Stop(ctx)
}

// relayBus speaks the ibus-server TCP protocol: a hello exchange, then raw
// frames both ways.
type relayBus struct {
	conn   net.Conn
	dec    *ibus.Decoder
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.Mutex
	subs   map[int]func(ibus.Message)
	nextID int
	wmu    sync.Mutex
}

func dialRelay(ctx context.Context, addr string, l *slog.Logger) (*relayBus, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := server.Handshake(ctx, conn, handshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return newRelayBus(ctx, conn, l), nil
}

func newRelayBus(ctx context.Context, conn net.Conn, l *slog.Logger) *relayBus {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	b := &relayBus{
		conn:   conn,
		dec:    ibus.NewDecoder(ibus.WithBusMetrics(false), ibus.WithLogger(l)),
		cancel: cancel,
		g:      g,
		subs:   map[int]func(ibus.Message){},
	}
	g.Go(func() error { return b.readLoop() })
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	return b
}

func (b *relayBus) readLoop() error {
	buf := make([]byte, 1024)
	for {
		n, err := b.conn.Read(buf)
		for _, m := range b.dec.Feed(buf[:n]) {
			b.mu.Lock()
			fns := make([]func(ibus.Message), 0, len(b.subs))
			for _, fn := range b.subs {
				fns = append(fns, fn)
			}
			b.mu.Unlock()
			for _, fn := range fns {
				fn(m)
			}
		}
		if err != nil {
			b.cancel()
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}
	}
}

func (b *relayBus) Subscribe(fn func(ibus.Message)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *relayBus) Send(req ibus.OutboundRequest) error {
	frame, err := req.Encode()
	if err != nil {
		return err
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.conn.Write(frame); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Flush is a no-op: the relay schedules frames on the server side.
func (b *relayBus) Flush(context.Context) error { return nil }

func (b *relayBus) Close() error {
	b.cancel()
	return b.g.Wait()
}
