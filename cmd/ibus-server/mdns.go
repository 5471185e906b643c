package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-ibus-server/internal/server"
)

const mdnsServiceType = "_ibus-server._tcp"

// startMDNS registers the relay via mDNS and returns a cleanup function.
func startMDNS(cfg *appConfig, port int) (func(), error) {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("ibus-server-%s", host)
	}
	meta := []string{
		"protocol=" + server.Hello,
		"baud=" + strconv.Itoa(cfg.baud),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return func() { svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// runMDNS advertises once the listener is bound and withdraws on ctx end.
func runMDNS(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) error {
	if !cfg.mdnsEnable {
		return nil
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(cfg, port)
	if err != nil {
		// advertisement is best effort; the relay keeps running
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}

func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
