package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_rx_frames_total",
		Help: "Total I-Bus frames decoded from the serial link.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_tx_frames_total",
		Help: "Total I-Bus frames written and drained to the serial link.",
	})
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_checksum_mismatch_total",
		Help: "Complete frame candidates rejected by checksum during resynchronization.",
	})
	DecoderRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_decoder_recoveries_total",
		Help: "Times the decoder truncated its buffer to recover from sustained corruption.",
	})
	DecoderDiscardedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_decoder_discarded_bytes_total",
		Help: "Bytes dropped by decoder overflow recovery.",
	})
	InvalidMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_invalid_messages_total",
		Help: "Decoded messages discarded by the link validation guard (empty payload).",
	})
	TxQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_tx_queue_dropped_total",
		Help: "Outbound requests rejected because the transmit queue was full.",
	})
	TxQueueExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_tx_queue_expired_total",
		Help: "Outbound requests discarded because they outlived the queue max age.",
	})
	TxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibus_tx_queue_depth",
		Help: "Outbound requests currently waiting for an idle bus.",
	})
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibus_link_state",
		Help: "Current link state (0=closed 1=opening 2=open 3=closing 4=error_recovering).",
	})
	LinkRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibus_link_restarts_total",
		Help: "Automatic link restarts after a transport error.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total I-Bus frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total I-Bus frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrSerialOpen      = "serial_open"
	ErrSerialRead      = "serial_read"
	ErrSerialWrite     = "serial_write"
	ErrWriteTimeout    = "serial_write_timeout"
	ErrTxOverflow      = "tx_queue_overflow"
	ErrDecoderReentry  = "decoder_reentry"
	ErrLinkRecoverFail = "link_recover"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx          uint64
	localTx          uint64
	localChecksum    uint64
	localRecoveries  uint64
	localDiscarded   uint64
	localInvalid     uint64
	localQueueDrop   uint64
	localQueueExpire uint64
	localQueueDepth  uint64
	localLinkState   uint64
	localRestarts    uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localQDMax       uint64
	localQDAvg       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx                 uint64
	Tx                 uint64
	ChecksumMismatches uint64
	Recoveries         uint64
	DiscardedBytes     uint64
	InvalidMessages    uint64
	QueueDrops         uint64
	QueueExpired       uint64
	QueueDepth         uint64
	LinkState          uint64
	LinkRestarts       uint64
	TCPRx              uint64
	TCPTx              uint64
	HubDrops           uint64
	HubKicks           uint64
	HubRejects         uint64
	Errors             uint64 // sum across error labels
	HubClients         uint64
	Fanout             uint64
	QueueDepthMax      uint64
	QueueDepthAvg      uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:                 atomic.LoadUint64(&localRx),
		Tx:                 atomic.LoadUint64(&localTx),
		ChecksumMismatches: atomic.LoadUint64(&localChecksum),
		Recoveries:         atomic.LoadUint64(&localRecoveries),
		DiscardedBytes:     atomic.LoadUint64(&localDiscarded),
		InvalidMessages:    atomic.LoadUint64(&localInvalid),
		QueueDrops:         atomic.LoadUint64(&localQueueDrop),
		QueueExpired:       atomic.LoadUint64(&localQueueExpire),
		QueueDepth:         atomic.LoadUint64(&localQueueDepth),
		LinkState:          atomic.LoadUint64(&localLinkState),
		LinkRestarts:       atomic.LoadUint64(&localRestarts),
		TCPRx:              atomic.LoadUint64(&localTCPRx),
		TCPTx:              atomic.LoadUint64(&localTCPTx),
		HubDrops:           atomic.LoadUint64(&localHubDrop),
		HubKicks:           atomic.LoadUint64(&localHubKick),
		HubRejects:         atomic.LoadUint64(&localHubReject),
		Errors:             atomic.LoadUint64(&localErrors),
		HubClients:         atomic.LoadUint64(&localHubClients),
		Fanout:             atomic.LoadUint64(&localFanout),
		QueueDepthMax:      atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:      atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func AddRx(n int) {
	RxFrames.Add(float64(n))
	atomic.AddUint64(&localRx, uint64(n))
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

// AddChecksumMismatch records n rejected candidates from one decoder pass.
func AddChecksumMismatch(n int) {
	if n <= 0 {
		return
	}
	ChecksumMismatches.Add(float64(n))
	atomic.AddUint64(&localChecksum, uint64(n))
}

// AddDecoderRecovery records one truncation event that dropped n bytes.
func AddDecoderRecovery(dropped int) {
	DecoderRecoveries.Inc()
	DecoderDiscardedBytes.Add(float64(dropped))
	atomic.AddUint64(&localRecoveries, 1)
	atomic.AddUint64(&localDiscarded, uint64(dropped))
}

func IncInvalidMessage() {
	InvalidMessages.Inc()
	atomic.AddUint64(&localInvalid, 1)
}

func IncTxQueueDrop() {
	TxQueueDropped.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func AddTxQueueExpired(n int) {
	if n <= 0 {
		return
	}
	TxQueueExpired.Add(float64(n))
	atomic.AddUint64(&localQueueExpire, uint64(n))
}

func SetTxQueueDepth(n int) {
	TxQueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

func SetLinkState(s int) {
	LinkState.Set(float64(s))
	atomic.StoreUint64(&localLinkState, uint64(s))
}

func IncLinkRestart() {
	LinkRestarts.Inc()
	atomic.AddUint64(&localRestarts, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg hub queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrWriteTimeout,
		ErrTxOverflow, ErrDecoderReentry, ErrLinkRecoverFail,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
