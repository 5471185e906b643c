package main

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kstaniek/go-ibus-server/internal/hub"
	"github.com/kstaniek/go-ibus-server/internal/ibus"
	"github.com/kstaniek/go-ibus-server/internal/link"
	"github.com/kstaniek/go-ibus-server/internal/serial"
	"github.com/kstaniek/go-ibus-server/internal/transport"
)

const envPrefix = "IBUS_SERVER_"

type appConfig struct {
	configFile      string
	serialDev       string
	baud            int
	parity          string
	serialDriver    string
	serialReadTO    time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	logFile         string
	logMaxSizeMB    int
	logMaxBackups   int
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	clientWriteTO   time.Duration
	relayFlush      time.Duration
	relayBatch      int
	mdnsEnable      bool
	mdnsName        string
	idleThreshold   time.Duration
	pollInterval    time.Duration
	txQueueSize     int
	writeTimeout    time.Duration
	queuePolicy     string
	queueMaxAge     time.Duration
	recoverAttempts uint
	recoverDelay    time.Duration
	decoderMax      int
	decoderKeep     int
}

func bindFlags(fs *flag.FlagSet, c *appConfig) {
	fs.StringVar(&c.configFile, "config", "", "Optional TOML config file (flags and environment take precedence)")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyUSB0", "Serial device path of the bus interface")
	fs.IntVar(&c.baud, "baud", 9600, "Serial baud rate")
	fs.StringVar(&c.parity, "parity", serial.ParityEven, "Serial parity: none|even|odd")
	fs.StringVar(&c.serialDriver, "serial-driver", serial.DriverTarm, "Serial driver: tarm|bugst")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&c.listenAddr, "listen", ":20100", "TCP relay listen address")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.logFile, "log-file", "", "Write logs to this file with size-based rotation (empty = stderr)")
	fs.IntVar(&c.logMaxSizeMB, "log-max-size", 10, "Rotate the log file after this many megabytes")
	fs.IntVar(&c.logMaxBackups, "log-max-backups", 3, "Rotated log files to keep")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 512, "Per-client relay queue (messages)")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.DurationVar(&c.clientWriteTO, "client-write-timeout", 5*time.Second, "Per-connection write deadline")
	fs.DurationVar(&c.relayFlush, "relay-flush-interval", 5*time.Millisecond, "Max delay before queued frames are written to a client")
	fs.IntVar(&c.relayBatch, "relay-batch", 64, "Max frames written to a client per flush")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default ibus-server-<hostname>)")
	fs.DurationVar(&c.idleThreshold, "idle-threshold", transport.DefaultIdleThreshold, "Bus silence required before transmitting")
	fs.DurationVar(&c.pollInterval, "poll-interval", transport.DefaultPollInterval, "Idle check interval")
	fs.IntVar(&c.txQueueSize, "tx-queue-size", transport.DefaultQueueSize, "Outbound queue capacity")
	fs.DurationVar(&c.writeTimeout, "write-timeout", transport.DefaultWriteTimeout, "Max wait for a frame to flush (0 = no limit)")
	fs.StringVar(&c.queuePolicy, "queue-policy", string(link.QueueRetain), "Queued requests across a reconnect: retain|discard|expire")
	fs.DurationVar(&c.queueMaxAge, "queue-max-age", 2*time.Second, "Max age of a queued request when queue-policy=expire")
	fs.UintVar(&c.recoverAttempts, "recover-attempts", 10, "Reopen attempts after a transport error")
	fs.DurationVar(&c.recoverDelay, "recover-delay", 100*time.Millisecond, "Initial delay between reopen attempts")
	fs.IntVar(&c.decoderMax, "decoder-max-buffer", ibus.DefaultMaxBuffer, "Decoder buffer bound before overflow recovery")
	fs.IntVar(&c.decoderKeep, "decoder-keep", ibus.DefaultKeepOnOverflow, "Bytes kept after overflow recovery")
}

// envName maps a flag name to its environment variable, e.g. hub-policy -> IBUS_SERVER_HUB_POLICY.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// keyName maps a flag name to its config file key, e.g. hub-policy -> hub_policy.
func keyName(flagName string) string { return strings.ReplaceAll(flagName, "-", "_") }

// emptyAllowed lists settings where an empty value is meaningful.
var emptyAllowed = map[string]bool{"metrics-addr": true, "mdns-name": true, "log-file": true}

// loadConfig resolves configuration in order of precedence: explicit flags,
// IBUS_SERVER_* environment variables, the TOML file, then defaults.
func loadConfig(args []string, lookupEnv func(string) (string, bool)) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("ibus-server", flag.ContinueOnError)
	cfg := &appConfig{}
	bindFlags(fs, cfg)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence.
	set := map[string]struct{}{"version": {}}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	if _, ok := set["config"]; !ok {
		if v, ok := lookupEnv(envName("config")); ok && strings.TrimSpace(v) != "" {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	set["config"] = struct{}{}
	if cfg.configFile != "" {
		if err := applyFile(fs, cfg.configFile, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(fs, lookupEnv, set); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides sets every flag not in set from its environment variable.
// Values go through the flag's own parser. The first invalid value is reported.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool), set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || firstErr != nil {
			return
		}
		name := envName(f.Name)
		v, ok := lookupEnv(name)
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" && !emptyAllowed[f.Name] {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	})
	return firstErr
}

// applyFile loads flat top-level keys from a TOML file. Keys use underscores
// in place of the flag's dashes; durations are strings ("20ms").
func applyFile(fs *flag.FlagSet, path string, set map[string]struct{}) error {
	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	byKey := map[string]string{}
	fs.VisitAll(func(f *flag.Flag) { byKey[keyName(f.Name)] = f.Name })

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, ok := byKey[k]
		if !ok || name == "config" || name == "version" {
			return fmt.Errorf("config %s: unknown key %q", path, k)
		}
		if !meta.IsDefined(k) {
			continue
		}
		if _, explicit := set[name]; explicit {
			continue
		}
		var v string
		switch x := raw[k].(type) {
		case string:
			v = x
		case int64, bool:
			v = fmt.Sprint(x)
		default:
			return fmt.Errorf("config %s: key %q has unsupported type %T", path, k, x)
		}
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("config %s: invalid %s: %w", path, k, err)
		}
	}
	return nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.logFile != "" && (c.logMaxSizeMB <= 0 || c.logMaxBackups < 0) {
		return fmt.Errorf("log-max-size must be > 0 and log-max-backups >= 0")
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	policy, ok := link.ParseQueuePolicy(c.queuePolicy)
	if !ok {
		return fmt.Errorf("invalid queue-policy: %s", c.queuePolicy)
	}
	switch c.parity {
	case serial.ParityNone, serial.ParityEven, serial.ParityOdd:
	default:
		return fmt.Errorf("invalid parity: %s", c.parity)
	}
	switch c.serialDriver {
	case serial.DriverTarm, serial.DriverBugst:
	default:
		return fmt.Errorf("invalid serial-driver: %s", c.serialDriver)
	}
	if c.serialDev == "" {
		return errors.New("serial must not be empty")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.clientWriteTO <= 0 {
		return fmt.Errorf("client-write-timeout must be > 0")
	}
	if c.relayFlush <= 0 {
		return fmt.Errorf("relay-flush-interval must be > 0")
	}
	if c.relayBatch <= 0 {
		return fmt.Errorf("relay-batch must be > 0 (got %d)", c.relayBatch)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.idleThreshold < 0 {
		return fmt.Errorf("idle-threshold must be >= 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.txQueueSize <= 0 {
		return fmt.Errorf("tx-queue-size must be > 0 (got %d)", c.txQueueSize)
	}
	if c.writeTimeout < 0 {
		return fmt.Errorf("write-timeout must be >= 0")
	}
	if policy == link.QueueExpire && c.queueMaxAge <= 0 {
		return fmt.Errorf("queue-max-age must be > 0 with queue-policy=expire")
	}
	if c.recoverAttempts == 0 {
		return fmt.Errorf("recover-attempts must be > 0")
	}
	if c.recoverDelay <= 0 {
		return fmt.Errorf("recover-delay must be > 0")
	}
	if c.decoderMax < ibus.MaxFrameLen {
		return fmt.Errorf("decoder-max-buffer must be >= %d (got %d)", ibus.MaxFrameLen, c.decoderMax)
	}
	if c.decoderKeep <= 0 || c.decoderKeep >= c.decoderMax {
		return fmt.Errorf("decoder-keep must be in (0, decoder-max-buffer) (got %d)", c.decoderKeep)
	}
	return nil
}

func (c *appConfig) serialConfig() serial.Config {
	return serial.Config{
		Name:        c.serialDev,
		Baud:        c.baud,
		Parity:      c.parity,
		ReadTimeout: c.serialReadTO,
		Driver:      c.serialDriver,
	}
}

func (c *appConfig) schedulerConfig() transport.Config {
	return transport.Config{
		IdleThreshold: c.idleThreshold,
		PollInterval:  c.pollInterval,
		QueueSize:     c.txQueueSize,
		WriteTimeout:  c.writeTimeout,
	}
}
