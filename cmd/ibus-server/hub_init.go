package main

import (
	"log/slog"

	"github.com/kstaniek/go-ibus-server/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	// validate has already rejected unknown policies
	p, _ := hub.ParsePolicy(cfg.hubPolicy)
	h := hub.New(hub.WithQueueSize(cfg.hubBuffer), hub.WithPolicy(p), hub.WithLogger(l.With("component", "hub")))
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy().String(), "buffer", h.QueueSize())
	return h
}
