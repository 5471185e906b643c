package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/link"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, lk *link.Link) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			ds := lk.DecoderStats()
			l.Info("metrics_snapshot",
				"link_state", lk.State().String(),
				"bus_silence", time.Since(lk.LastActivity()).Round(time.Millisecond),
				"bus_rx", snap.Rx,
				"bus_tx", snap.Tx,
				"checksum_mismatch", ds.ChecksumMismatches,
				"decoder_recoveries", ds.Recoveries,
				"decoder_discarded_bytes", ds.DiscardedBytes,
				"tx_queue_depth", lk.Pending(),
				"tx_queue_drops", snap.QueueDrops,
				"link_restarts", snap.LinkRestarts,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return
		}
	}
}
