package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/hub"
	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/metrics"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

// session is one relay client: a hub queue pumped to the socket and a decoder
// fed from it.
type session struct {
	srv    *Server
	conn   net.Conn
	client *hub.Client
	log    *slog.Logger
	once   sync.Once
}

func (ss *session) close() {
	ss.once.Do(func() {
		_ = ss.conn.Close()
		ss.client.Close()
	})
}

func (ss *session) start(done <-chan struct{}) {
	ss.srv.wg.Add(2)
	go func() {
		defer ss.srv.wg.Done()
		defer ss.srv.endSession(ss)
		defer ss.close()
		ss.pump(done)
	}()
	go func() {
		defer ss.srv.wg.Done()
		defer ss.close()
		ss.drain(done)
	}()
}

// pump writes hub messages as raw frames, batching up to batchSize messages
// or flushInterval, whichever comes first.
func (ss *session) pump(done <-chan struct{}) {
	lim := ss.srv.lim
	tick := time.NewTicker(lim.flushInterval)
	defer tick.Stop()
	batch := make([]ibus.Message, 0, lim.batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n := len(batch)
		_ = ss.conn.SetWriteDeadline(time.Now().Add(lim.writeDeadline))
		_, err := ibus.WriteMessages(ss.conn, batch)
		batch = batch[:0]
		if err != nil {
			ss.log.Debug("conn_write_error", "error", ss.srv.fail(ErrConnWrite, err))
			return false
		}
		metrics.AddTCPTx(n)
		return true
	}
	for {
		select {
		case m := <-ss.client.Out:
			batch = append(batch, m)
			if len(batch) >= lim.batchSize && !flush() {
				return
			}
		case <-tick.C:
			if !flush() {
				return
			}
		case <-ss.client.Closed:
			flush()
			return
		case <-done:
			flush()
			return
		}
	}
}

// drain decodes the client's byte stream. Each session has its own decoder so
// a partial frame from one client never mixes with another's bytes.
func (ss *session) drain(done <-chan struct{}) {
	dec := ibus.NewDecoder(ibus.WithLogger(ss.log), ibus.WithBusMetrics(false))
	buf := make([]byte, ss.srv.lim.readBufSize)
	for {
		_ = ss.conn.SetReadDeadline(time.Now().Add(ss.srv.lim.readDeadline))
		n, err := ss.conn.Read(buf)
		for _, m := range dec.Feed(buf[:n]) {
			ss.forward(m)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case isTimeout(err):
			// idle clients are fine; only shutdown ends the session here
		default:
			ss.srv.fail(ErrConnRead, err)
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func (ss *session) forward(m ibus.Message) {
	s := ss.srv
	if s.filter != nil && !s.filter(&m) {
		s.stats.filtered.Add(1)
		return
	}
	metrics.IncTCPRx()
	if s.send == nil {
		return
	}
	err := s.send(ibus.OutboundRequest{Src: m.Src, Dst: m.Dst, Payload: m.Payload})
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrQueueFull):
		s.stats.busOverflow.Add(1)
		ss.log.Debug("bus_queue_full_drop", "src", logging.Hex(m.Src), "dst", logging.Hex(m.Dst))
	default:
		err = s.fail(ErrBusSend, err)
		s.stats.busErrors.Add(1)
		ss.log.Error("bus_send_error", "error", err, "src", logging.Hex(m.Src), "dst", logging.Hex(m.Dst))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
