package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-ibus-server/internal/logging"
	"github.com/kstaniek/go-ibus-server/internal/serial"
)

var rootCmd = &cobra.Command{
	Use:           "ibus-tool",
	Short:         "I-Bus monitor and sender",
	Long:          "Watch and drive a BMW I-Bus, either on a local serial interface or through an ibus-server relay.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		stop()
		os.Exit(1)
	}
}

var (
	portName   string
	baudRate   int
	parity     string
	driver     string
	serverAddr string
	noColor    bool
	debug      bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&portName, "port", "p", "/dev/ttyUSB0", "serial device of the bus interface")
	pf.IntVarP(&baudRate, "baudrate", "b", 9600, "baudrate")
	pf.StringVar(&parity, "parity", serial.ParityEven, "parity: none|even|odd")
	pf.StringVar(&driver, "driver", serial.DriverTarm, "serial driver: tarm|bugst")
	pf.StringVarP(&serverAddr, "server", "s", "", "ibus-server relay address (host:port); overrides --port")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&debug, "debug", "d", false, "debug logging")
}

func serialConfig() serial.Config {
	return serial.Config{Name: portName, Baud: baudRate, Parity: parity, ReadTimeout: 50 * time.Millisecond, Driver: driver}
}

func logger() *slog.Logger {
	if !debug {
		return logging.Discard()
	}
	return logging.New("text", slog.LevelDebug, os.Stderr)
}
