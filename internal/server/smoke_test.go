package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/hub"
	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

// capture records requests the relay hands to the bus.
type capture struct {
	mu   sync.Mutex
	reqs []ibus.OutboundRequest
	err  error
}

func (c *capture) send(r ibus.OutboundRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
	return c.err
}

func (c *capture) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.reqs) }

func (c *capture) get(i int) ibus.OutboundRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithLogger(logging.Discard()), WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func frame(t testing.TB, src, dst byte, payload ...byte) []byte {
	t.Helper()
	b, err := ibus.Encode(src, dst, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// readMessages decodes raw frames from conn until n messages arrived or the timeout passes.
func readMessages(t *testing.T, conn net.Conn, n int, timeout time.Duration) []ibus.Message {
	t.Helper()
	dec := ibus.NewDecoder(ibus.WithLogger(logging.Discard()), ibus.WithBusMetrics(false))
	var out []ibus.Message
	buf := make([]byte, 512)
	deadline := time.Now().Add(timeout)
	for len(out) < n && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		k, err := conn.Read(buf)
		out = append(out, dec.Feed(buf[:k])...)
		if err != nil && !isTimeout(err) {
			break
		}
	}
	return out
}

// TestSmokeServer covers the handshake and both relay directions.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	be := &capture{}
	srv := startServer(t, ctx, WithHub(h), WithSend(be.send))

	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(Hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	buf := make([]byte, len(Hello))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if string(buf) != Hello {
		t.Fatalf("unexpected hello %q", buf)
	}

	// client -> bus, split across two writes
	raw := frame(t, 0x68, 0x18, 0x38, 0x00, 0x00)
	if _, err := conn.Write(raw[:2]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(raw[2:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "bus send", func() bool { return be.count() == 1 })
	if r := be.get(0); r.Src != 0x68 || r.Dst != 0x18 || !bytes.Equal(r.Payload, []byte{0x38, 0x00, 0x00}) {
		t.Fatalf("unexpected request %+v", r)
	}

	// bus -> client
	waitUntil(t, time.Second, "hub registration", func() bool { return h.Count() == 1 })
	h.Broadcast(ibus.Message{Src: 0x80, Dst: 0xBF, Payload: []byte{0x11, 0x01}})
	got := readMessages(t, conn, 1, time.Second)
	if len(got) != 1 || got[0].Src != 0x80 || got[0].Dst != 0xBF || !bytes.Equal(got[0].Payload, []byte{0x11, 0x01}) {
		t.Fatalf("unexpected broadcast %v", got)
	}
}

// TestSmokeBatch pushes a full batch and expects every frame in order.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitUntil(t, time.Second, "hub registration", func() bool { return h.Count() == 1 })

	for i := 0; i < 64; i++ {
		h.Broadcast(ibus.Message{Src: 0x50, Dst: 0x68, Payload: []byte{0x32, byte(i)}})
	}
	got := readMessages(t, c, 64, 2*time.Second)
	if len(got) != 64 {
		t.Fatalf("received %d messages, want 64", len(got))
	}
	for i, m := range got {
		if m.Payload[1] != byte(i) {
			t.Fatalf("message %d out of order: %v", i, m)
		}
	}
}

// TestSmokeBackpressureDrop keeps a slow client connected under the drop policy.
func TestSmokeBackpressureDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New(hub.WithQueueSize(1), hub.WithPolicy(hub.PolicyDrop))
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitUntil(t, time.Second, "hub registration", func() bool { return h.Count() == 1 })

	for i := 0; i < 5; i++ {
		h.Broadcast(ibus.Message{Src: 0x80, Dst: 0xBF, Payload: []byte{0x19, byte(i)}})
	}
	if got := readMessages(t, c, 1, time.Second); len(got) == 0 {
		t.Fatalf("expected at least one message")
	}
	_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c.Read(make([]byte, 8)); errors.Is(err, io.EOF) {
		t.Fatalf("connection closed under drop policy")
	}
	if h.Count() != 1 {
		t.Fatalf("client removed under drop policy")
	}
}

// TestSmokeMetrics checks TCP counters move with traffic in both directions.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	be := &capture{}
	srv := startServer(t, ctx, WithHub(h), WithSend(be.send))
	pre := metrics.Snap()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	var out []byte
	for i := 0; i < 3; i++ {
		out = append(out, frame(t, 0xF0, 0x68, 0x48, byte(i))...)
	}
	if _, err := c.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "bus sends", func() bool { return be.count() == 3 })
	waitUntil(t, time.Second, "hub registration", func() bool { return h.Count() == 1 })
	for i := 0; i < 2; i++ {
		h.Broadcast(ibus.Message{Src: 0x80, Dst: 0xBF, Payload: []byte{0x18, byte(i)}})
	}
	if got := readMessages(t, c, 2, time.Second); len(got) != 2 {
		t.Fatalf("received %d messages", len(got))
	}
	waitUntil(t, time.Second, "tcp tx metric", func() bool { return metrics.Snap().TCPTx-pre.TCPTx >= 2 })
	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	// relay decoders must not count as bus traffic
	if post.Rx != pre.Rx {
		t.Fatalf("bus rx counter moved by relay traffic: %d -> %d", pre.Rx, post.Rx)
	}
}

// TestSmokeHandshakeFailure closes clients that do not speak the protocol.
func TestSmokeHandshakeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send))
	pre := metrics.Snap()

	raw, err := net.DialTimeout("tcp", srv.Addr(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte("HELLO!")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "handshake failure", func() bool { return srv.Stats().HandshakeFail == 1 })
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error %v, want ErrHandshake", srv.LastError())
	}
	if metrics.Snap().Errors <= pre.Errors {
		t.Fatalf("error counter did not move")
	}
	if h.Count() != 0 {
		t.Fatalf("failed client registered with hub")
	}
}

// TestSmokeNoiseIsSkipped resyncs past garbage instead of dropping the client.
func TestSmokeNoiseIsSkipped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	be := &capture{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(be.send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	stream := append([]byte{0x00, 0x01, 0x00, 0x01, 0x00}, frame(t, 0x00, 0xBF, 0x72, 0x22)...)
	if _, err := c.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "bus send", func() bool { return be.count() == 1 })
	if r := be.get(0); r.Src != 0x00 || r.Dst != 0xBF {
		t.Fatalf("unexpected request %+v", r)
	}
	if _, err := c.Write(frame(t, 0x68, 0x18, 0x02)); err != nil {
		t.Fatalf("connection dropped after noise: %v", err)
	}
	waitUntil(t, time.Second, "second send", func() bool { return be.count() == 2 })
}

// TestSmokeConcurrentClients ensures broadcasts reach multiple simultaneous clients.
func TestSmokeConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send))
	const nClients = 5
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	waitUntil(t, time.Second, "all clients", func() bool { return h.Count() == nClients })
	for i := 0; i < 10; i++ {
		h.Broadcast(ibus.Message{Src: 0xC8, Dst: 0x80, Payload: []byte{0x2C, byte(i)}})
	}
	for idx, c := range conns {
		got := readMessages(t, c, 10, time.Second)
		if len(got) != 10 {
			t.Fatalf("client %d received %d messages", idx, len(got))
		}
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	waitUntil(t, time.Second, "both clients", func() bool { return h.Count() == 2 })

	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	for i, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Read(buf); err == nil || isTimeout(err) {
			t.Fatalf("client %d still open after shutdown: %v", i, err)
		}
	}
	if h.Count() != 0 {
		t.Fatalf("hub still has %d clients", h.Count())
	}
	if st := srv.Stats(); st.Disconnected != 2 {
		t.Fatalf("disconnected=%d", st.Disconnected)
	}
}

// TestMessageFilter drops client messages rejected by the predicate.
func TestMessageFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	be := &capture{}
	srv := startServer(t, ctx,
		WithHub(hub.New()),
		WithSend(be.send),
		WithMessageFilter(func(m *ibus.Message) bool { return m.Dst != 0xBF }), // no broadcasts from clients
	)
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	pre := metrics.Snap()

	stream := append(frame(t, 0x68, 0xBF, 0x02, 0x00), frame(t, 0x68, 0x18, 0x01)...)
	if _, err := c.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "bus send", func() bool { return be.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if be.count() != 1 || be.get(0).Dst != 0x18 {
		t.Fatalf("filter not applied: %d sends", be.count())
	}
	if d := metrics.Snap().TCPRx - pre.TCPRx; d != 1 {
		t.Fatalf("TCPRx delta %d, want 1", d)
	}
	if f := srv.Stats().Filtered; f != 1 {
		t.Fatalf("filtered=%d, want 1", f)
	}
}

// TestBusSendErrors separates queue overflow from hard send failures.
func TestBusSendErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	be := &capture{err: transport.ErrQueueFull}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSend(be.send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	if _, err := c.Write(frame(t, 0x68, 0x18, 0x01)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "overflow", func() bool { return srv.Stats().BusOverflow == 1 })

	be.mu.Lock()
	be.err = errors.New("link not open")
	be.mu.Unlock()
	if _, err := c.Write(frame(t, 0x68, 0x18, 0x02)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, "bus error", func() bool { return srv.Stats().BusErrors == 1 })
	if !errors.Is(srv.LastError(), ErrBusSend) {
		t.Fatalf("last error %v, want ErrBusSend", srv.LastError())
	}
}

// TestMaxClients rejects connections past the limit.
func TestMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSend((&capture{}).send), WithMaxClients(1))
	pre := metrics.Snap()
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitUntil(t, time.Second, "first client", func() bool { return h.Count() == 1 })
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 8)); err == nil || isTimeout(err) {
		t.Fatalf("expected rejected client to be closed, got %v", err)
	}
	if d := metrics.Snap().HubRejects - pre.HubRejects; d != 1 {
		t.Fatalf("rejects delta %d", d)
	}
	if st := srv.Stats(); st.Rejected != 1 || st.Connected != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func FuzzRelayDecode(f *testing.F) {
	seed, _ := ibus.Encode(0x68, 0x18, []byte{0x01})
	f.Add(seed)
	f.Add([]byte{0x00, 0x01, 0x02})
	f.Fuzz(func(t *testing.T, data []byte) {
		dec := ibus.NewDecoder(ibus.WithLogger(logging.Discard()), ibus.WithBusMetrics(false))
		for _, m := range dec.Feed(data) {
			req := ibus.OutboundRequest{Src: m.Src, Dst: m.Dst, Payload: m.Payload}
			raw, err := req.Encode()
			if err != nil {
				t.Fatalf("re-encode of decoded message failed: %v", err)
			}
			if !bytes.Contains(data, raw) {
				t.Fatalf("decoded frame % X not present in input", raw)
			}
		}
	})
}

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := Handshake(ctx, c, time.Second); err != nil {
		c.Close()
		t.Fatalf("handshake: %v", err)
	}
	return c
}

func TestServerOptions(t *testing.T) {
	s := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithBatchSize(8),
		WithFlushInterval(time.Millisecond),
		WithWriteDeadline(time.Second),
		WithReadDeadline(-time.Second),
	)
	if s.Addr() != "127.0.0.1:0" {
		t.Fatalf("addr=%q", s.Addr())
	}
	if s.lim.batchSize != 8 || s.lim.flushInterval != time.Millisecond || s.lim.writeDeadline != time.Second {
		t.Fatalf("options not applied: %+v", s.lim)
	}
	if s.lim.readDeadline != defaultReadDeadline {
		t.Fatalf("non-positive read deadline must keep the default, got %s", s.lim.readDeadline)
	}
	if NewServer(WithListenAddr("")).Addr() != ":0" {
		t.Fatalf("empty listen address must keep the default")
	}
}
