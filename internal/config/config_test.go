package config

import (
	"testing"
	"time"

	"github.com/flowmetrics/tsdb/internal/logging"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.MemtableThreshold != 1000 {
		t.Errorf("MemtableThreshold = %d, want 1000", cfg.MemtableThreshold)
	}
	if cfg.CompactionInterval != 5*time.Minute {
		t.Errorf("CompactionInterval = %v, want 5m", cfg.CompactionInterval)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvDataDir, "/tmp/data")
	t.Setenv(EnvMemtableThreshold, "42")
	t.Setenv(EnvCompactionInterval, "30")
	t.Setenv(EnvMaxSSTables, "10")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.DataDir != "/tmp/data" {
		t.Errorf("DataDir = %q, want /tmp/data", cfg.DataDir)
	}
	if cfg.MemtableThreshold != 42 {
		t.Errorf("MemtableThreshold = %d, want 42", cfg.MemtableThreshold)
	}
	if cfg.CompactionInterval != 30*time.Second {
		t.Errorf("CompactionInterval = %v, want 30s", cfg.CompactionInterval)
	}
	if cfg.MaxSSTables != 10 {
		t.Errorf("MaxSSTables = %d, want 10", cfg.MaxSSTables)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestFromEnv_InvalidPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("FromEnv with invalid PORT: want error, got nil")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logging.Level{
		"error":   logging.LevelError,
		"ERROR":   logging.LevelError,
		"warn":    logging.LevelWarn,
		"warning": logging.LevelWarn,
		"info":    logging.LevelInfo,
		"debug":   logging.LevelDebug,
		"":        logging.LevelInfo,
		"bogus":   logging.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
