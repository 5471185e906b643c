package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-ibus-server/internal/hub"
	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/link"
	"github.com/kstaniek/go-ibus-server/internal/registry"
	"github.com/kstaniek/go-ibus-server/internal/serial"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// initLink builds the bus link, wires received messages into the hub and opens
// the port. An open failure at startup is returned, not retried.
func initLink(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger) (*link.Link, error) {
	scfg := cfg.serialConfig()
	policy, _ := link.ParseQueuePolicy(cfg.queuePolicy)
	lk := link.New(
		func(context.Context) (serial.Port, error) { return openSerialPort(scfg) },
		link.WithScheduler(cfg.schedulerConfig()),
		link.WithQueuePolicy(policy, cfg.queueMaxAge),
		link.WithDecoderLimits(cfg.decoderMax, cfg.decoderKeep),
		link.WithRecovery(cfg.recoverAttempts, cfg.recoverDelay, 0),
		link.WithWriter(func(p serial.Port) transport.WriteFunc { return serial.NewWriter(p, scfg).WriteFrame }),
		link.WithLogger(l),
	)
	reg := registry.Default()
	debug := l.Enabled(ctx, slog.LevelDebug)
	lk.Subscribe(func(m ibus.Message) {
		h.Broadcast(m)
		if debug {
			l.Debug("bus_rx", "msg", reg.Describe(m))
		}
	})
	if err := lk.Start(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", scfg.Name, err)
	}
	l.Info("serial_open", "device", scfg.Name, "baud", scfg.Baud, "parity", scfg.Parity, "driver", scfg.Driver)
	return lk, nil
}

// watchLink returns an error once the link closes on its own, i.e. after
// automatic recovery gave up. It returns nil when ctx ends first.
func watchLink(ctx context.Context, lk *link.Link, l *slog.Logger) error {
	closed := make(chan struct{}, 1)
	unsub := lk.OnEvent(func(ev link.Event) {
		switch ev.Kind {
		case link.EventStateChange:
			if ev.State == link.Closed {
				select {
				case closed <- struct{}{}:
				default:
				}
			}
		case link.EventQueueDiscarded, link.EventQueueExpired, link.EventOverflowRecovery:
			l.Info("link_event", "kind", ev.Kind.String(), "count", ev.Count)
		}
	})
	defer unsub()
	if lk.State() == link.Closed {
		return fmt.Errorf("link closed")
	}
	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("link closed after failed recovery")
	}
}
