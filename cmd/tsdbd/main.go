// Command tsdbd runs the time-series engine's HTTP/JSON surface.
//
// Usage:
//
//	tsdbd [--addr=:6364] [--data-dir=./tsdb_data]
//
// Configuration is read from the environment first (PORT, DATA_DIR,
// MEMTABLE_THRESHOLD, COMPACTION_INTERVAL_SECONDS, MAX_SSTABLES, LOG_LEVEL);
// flags override the environment when set explicitly.
//
// Reference: cmd/ldb's flag-based CLI shape in the teacher repo.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowmetrics/tsdb"
	"github.com/flowmetrics/tsdb/internal/config"
	"github.com/flowmetrics/tsdb/internal/httpapi"
	"github.com/flowmetrics/tsdb/internal/logging"
)

var (
	addr    = flag.String("addr", "", "listen address, e.g. :6364 (overrides PORT)")
	dataDir = flag.String("data-dir", "", "data directory (overrides DATA_DIR)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tsdbd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := logging.NewDefaultLogger(config.ParseLogLevel(cfg.LogLevel))

	opts := tsdb.DefaultOptions()
	opts.DataDir = cfg.DataDir
	opts.MemtableThreshold = cfg.MemtableThreshold
	opts.CompactionInterval = cfg.CompactionInterval
	opts.MaxSSTables = cfg.MaxSSTables
	opts.Logger = logger

	engine, err := tsdb.Open(opts)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			logger.Errorf(logging.NSEngine + fmt.Sprintf("close: %v", cerr))
		}
	}()

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	srv := &http.Server{Addr: listenAddr, Handler: httpapi.New(engine, logger)}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof(logging.NSHTTP + fmt.Sprintf("listening on %s, data dir %s", listenAddr, cfg.DataDir))
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof(logging.NSEngine + fmt.Sprintf("received %s, shutting down", sig))
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
