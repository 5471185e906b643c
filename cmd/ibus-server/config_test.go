package main

import (
	"errors"
	"flag"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func validConfig() *appConfig {
	return &appConfig{
		serialDev: "/dev/null", baud: 9600, parity: "even", serialDriver: "tarm", serialReadTO: 10 * time.Millisecond,
		listenAddr: ":20100", logFormat: "text", logLevel: "info", hubBuffer: 8, hubPolicy: "drop",
		handshakeTO: time.Second, clientReadTO: time.Second, clientWriteTO: time.Second,
		relayFlush: 5 * time.Millisecond, relayBatch: 64,
		idleThreshold: 20 * time.Millisecond, pollInterval: time.Millisecond, txQueueSize: 1000,
		writeTimeout: 250 * time.Millisecond, queuePolicy: "retain", queueMaxAge: time.Second,
		recoverAttempts: 3, recoverDelay: 10 * time.Millisecond, decoderMax: 500, decoderKeep: 300,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badQueuePolicy", func(c *appConfig) { c.queuePolicy = "keep" }},
		{"badParity", func(c *appConfig) { c.parity = "mark" }},
		{"badDriver", func(c *appConfig) { c.serialDriver = "x" }},
		{"emptySerial", func(c *appConfig) { c.serialDev = "" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badClientWriteTO", func(c *appConfig) { c.clientWriteTO = 0 }},
		{"badRelayFlush", func(c *appConfig) { c.relayFlush = 0 }},
		{"badRelayBatch", func(c *appConfig) { c.relayBatch = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badIdle", func(c *appConfig) { c.idleThreshold = -time.Millisecond }},
		{"badPoll", func(c *appConfig) { c.pollInterval = 0 }},
		{"badQueueSize", func(c *appConfig) { c.txQueueSize = 0 }},
		{"badWriteTimeout", func(c *appConfig) { c.writeTimeout = -1 }},
		{"expireWithoutAge", func(c *appConfig) { c.queuePolicy = "expire"; c.queueMaxAge = 0 }},
		{"badAttempts", func(c *appConfig) { c.recoverAttempts = 0 }},
		{"badRecoverDelay", func(c *appConfig) { c.recoverDelay = 0 }},
		{"decoderTooSmall", func(c *appConfig) { c.decoderMax = 100; c.decoderKeep = 50 }},
		{"keepTooLarge", func(c *appConfig) { c.decoderKeep = 500 }},
		{"badLogSize", func(c *appConfig) { c.logFile = "x.log"; c.logMaxSizeMB = 0 }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, showVersion, err := loadConfig(nil, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if showVersion {
		t.Fatalf("version not requested")
	}
	if cfg.baud != 9600 || cfg.parity != "even" || cfg.idleThreshold != 20*time.Millisecond ||
		cfg.txQueueSize != 1000 || cfg.writeTimeout != 250*time.Millisecond || cfg.queuePolicy != "retain" ||
		cfg.decoderMax != 500 || cfg.decoderKeep != 300 || cfg.relayBatch != 64 ||
		cfg.relayFlush != 5*time.Millisecond || cfg.clientWriteTO != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfig_VersionAndHelp(t *testing.T) {
	if _, v, err := loadConfig([]string{"-version"}, noEnv); err != nil || !v {
		t.Fatalf("version flag: %v %v", v, err)
	}
	if _, _, err := loadConfig([]string{"-h"}, noEnv); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if _, _, err := loadConfig([]string{"-hub-policy", "block"}, noEnv); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDerivedConfigs(t *testing.T) {
	c := validConfig()
	s := c.serialConfig()
	if s.Name != "/dev/null" || s.Baud != 9600 || s.Parity != "even" || s.Driver != "tarm" {
		t.Fatalf("serial config %+v", s)
	}
	sc := c.schedulerConfig()
	if sc.IdleThreshold != 20*time.Millisecond || sc.QueueSize != 1000 || sc.WriteTimeout != 250*time.Millisecond {
		t.Fatalf("scheduler config %+v", sc)
	}
}
