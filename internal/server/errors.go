package server

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-ibus-server/internal/metrics"
)

// Sentinel errors; everything the relay reports wraps one of these.
var (
	ErrListen          = errors.New("listen")
	ErrAccept          = errors.New("accept")
	ErrHandshake       = errors.New("handshake")
	ErrConnRead        = errors.New("conn read")
	ErrConnWrite       = errors.New("conn write")
	ErrBusSend         = errors.New("bus send")
	ErrShutdownTimeout = errors.New("shutdown timeout")
)

var errorLabels = []struct {
	err   error
	label string
}{
	{ErrListen, metrics.ErrTCPRead},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrBusSend, metrics.ErrSerialWrite},
}

// errorLabel picks the metrics label for a wrapped relay error.
func errorLabel(err error) string {
	for _, e := range errorLabels {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	return "other"
}

// fail wraps cause in kind, counts it and records it as the last error.
func (s *Server) fail(kind, cause error) error {
	err := fmt.Errorf("%w: %v", kind, cause)
	metrics.IncError(errorLabel(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}
