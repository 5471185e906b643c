// Package hub fans decoded bus messages out to relay clients.
package hub

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	// PolicyDrop skips the message for that client only.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes the client; the relay then disconnects it.
	PolicyKick
)

// DefaultQueueSize is the per-client queue when none is configured.
const DefaultQueueSize = 512

var policyNames = map[string]BackpressurePolicy{"drop": PolicyDrop, "kick": PolicyKick}

func (p BackpressurePolicy) String() string {
	for name, v := range policyNames {
		if v == p {
			return name
		}
	}
	return "unknown"
}

// ParsePolicy maps "drop" or "kick" (any case) to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	p, ok := policyNames[strings.ToLower(strings.TrimSpace(s))]
	return p, ok
}

// Client is one consumer of the fan-out. Out is drained by its writer;
// Closed is closed exactly once when the client should go away.
type Client struct {
	Out     chan ibus.Message
	Closed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewClient allocates a client with an outbound queue of buf messages.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan ibus.Message, max(buf, 1)), Closed: make(chan struct{})}
}

// Close is idempotent.
func (c *Client) Close() { c.once.Do(func() { close(c.Closed) }) }

// Dropped is how many messages this client missed under PolicyDrop.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) closed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	queueSize int
	policy    BackpressurePolicy
	logger    *slog.Logger
}

type Option func(*Hub)

// WithQueueSize sets the queue length relay clients are created with.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithPolicy(p BackpressurePolicy) Option { return func(h *Hub) { h.policy = p } }

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		clients:   make(map[*Client]struct{}),
		queueSize: DefaultQueueSize,
		logger:    logging.Component("hub"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) QueueSize() int             { return h.queueSize }
func (h *Hub) Policy() BackpressurePolicy { return h.policy }

// Add registers c.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		h.logger.Info("clients_first_connected")
	}
}

// Remove unregisters and closes c; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if !known {
		return
	}
	metrics.SetHubClients(n)
	if n == 0 {
		h.logger.Info("clients_last_disconnected")
	}
	if d := c.Dropped(); d > 0 {
		h.logger.Info("client_removed_with_drops", "dropped", d)
	}
}

// Broadcast offers m to every live client without blocking and returns how
// many accepted it. It runs on the link's receive goroutine.
func (h *Hub) Broadcast(m ibus.Message) int {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return 0
	}
	delivered, deepest, total := 0, 0, 0
	for _, c := range clients {
		depth := len(c.Out)
		deepest = max(deepest, depth)
		total += depth
		if c.closed() {
			continue
		}
		select {
		case c.Out <- m:
			delivered++
			continue
		default:
		}
		if h.policy == PolicyKick {
			metrics.IncHubKick()
			h.logger.Warn("hub_kick_slow_client", "queue", cap(c.Out))
			c.Close()
			continue
		}
		c.dropped.Add(1)
		metrics.IncHubDrop()
	}
	metrics.SetQueueDepth(deepest, total/len(clients))
	return delivered
}

// Snapshot copies the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll removes and closes every client.
func (h *Hub) CloseAll() {
	for _, c := range h.Snapshot() {
		h.Remove(c)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
