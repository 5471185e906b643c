// Package logging holds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() { current.Store(New("text", slog.LevelInfo, nil)) }

// L returns the process logger.
func L() *slog.Logger { return current.Load() }

// Set replaces the process logger; nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// Component tags the process logger with a component name.
func Component(name string) *slog.Logger { return L().With("component", name) }

// New builds a logger writing text or JSON ("json") records at level to w, or stderr when w is nil.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard drops every record.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// Hex formats a bus address or command byte for log attributes, e.g. 0x68.
func Hex(b byte) string { return fmt.Sprintf("0x%02X", b) }
