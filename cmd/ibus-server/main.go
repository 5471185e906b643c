package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-ibus-server/internal/link"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
	"github.com/kstaniek/go-ibus-server/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := loadConfig(args, os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	if showVersion {
		fmt.Printf("ibus-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l, closeLog := setupLogger(cfg)
	defer closeLog()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := initHub(cfg, l)
	lk, err := initLink(ctx, cfg, h, l)
	if err != nil {
		l.Error("link_init_error", "error", err)
		return 1
	}

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSend(lk.Send),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithWriteDeadline(cfg.clientWriteTO),
		server.WithFlushInterval(cfg.relayFlush),
		server.WithBatchSize(cfg.relayBatch),
	)

	// Ready when the listener is bound and the bus link is open.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && lk.State() == link.Open
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return watchLink(gctx, lk, l) })
	g.Go(func() error { return runMDNS(gctx, cfg, srv, l) })
	g.Go(func() error { runMetricsLogger(gctx, cfg.logMetricsEvery, l, lk); return nil })

	<-gctx.Done()
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	if err := lk.Stop(sdCtx); err != nil {
		l.Warn("link_stop_error", "error", err)
	}
	h.CloseAll()
	if err := g.Wait(); err != nil {
		l.Error("exit_error", "error", err)
		return 1
	}
	return 0
}
