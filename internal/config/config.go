// Package config loads engine configuration from the process environment,
// the way a long-running service binary (cmd/tsdbd) is expected to be
// configured in production rather than via flags (spec §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowmetrics/tsdb/internal/logging"
)

// Env variable names read by FromEnv.
const (
	EnvPort               = "PORT"
	EnvDataDir            = "DATA_DIR"
	EnvMemtableThreshold  = "MEMTABLE_THRESHOLD"
	EnvCompactionInterval = "COMPACTION_INTERVAL_SECONDS"
	EnvMaxSSTables        = "MAX_SSTABLES"
	EnvLogLevel           = "LOG_LEVEL"
)

// Defaults mirror Options' defaults (see root package options.go) so a
// server started with no environment at all behaves identically to
// DefaultOptions.
const (
	DefaultPort = 6364
)

// Config is the flat set of values FromEnv produces. The cmd/ binary
// converts this into a tsdb.Options; it lives in internal/config rather
// than the root package so the root package never imports "os"/"strconv"
// directly for configuration, keeping Options constructible purely in code
// (e.g. from tests) without environment coupling.
type Config struct {
	Port               int
	DataDir            string
	MemtableThreshold  int
	CompactionInterval time.Duration
	MaxSSTables        int
	LogLevel           string
}

// FromEnv reads Config fields from the environment, falling back to the
// documented default for any unset variable. It returns an error if a set
// variable fails to parse as its expected type.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:               DefaultPort,
		DataDir:            "./tsdb_data",
		MemtableThreshold:  1000,
		CompactionInterval: 5 * time.Minute,
		MaxSSTables:        0,
		LogLevel:           "info",
	}

	if v, ok := os.LookupEnv(EnvPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", EnvPort, v, err)
		}
		cfg.Port = n
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvMemtableThreshold); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", EnvMemtableThreshold, v, err)
		}
		cfg.MemtableThreshold = n
	}
	if v, ok := os.LookupEnv(EnvCompactionInterval); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", EnvCompactionInterval, v, err)
		}
		cfg.CompactionInterval = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv(EnvMaxSSTables); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q: %w", EnvMaxSSTables, v, err)
		}
		cfg.MaxSSTables = n
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// ParseLogLevel maps a LOG_LEVEL string ("error", "warn", "info", "debug",
// case-insensitive) to a logging.Level, defaulting to logging.LevelInfo for
// an empty or unrecognized value.
func ParseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "error":
		return logging.LevelError
	case "warn", "warning":
		return logging.LevelWarn
	case "debug":
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}
