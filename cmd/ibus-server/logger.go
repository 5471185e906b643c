package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kstaniek/go-ibus-server/internal/logging"
)

// setupLogger installs the process logger. With a log file configured, output
// goes to a size-rotated file which the returned func closes.
func setupLogger(cfg *appConfig) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.logFile,
			MaxSize:    cfg.logMaxSizeMB,
			MaxBackups: cfg.logMaxBackups,
			Compress:   true,
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	}
	l := logging.New(cfg.logFormat, logging.ParseLevel(cfg.logLevel), w).With("app", "ibus-server")
	logging.Set(l)
	return l, closeFn
}
