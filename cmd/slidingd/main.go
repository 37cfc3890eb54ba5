// Command slidingd is the sliding-HyperLogLog cardinality estimation
// daemon: it loads configuration, opens the embedded KV store, starts
// the set manager's background flush/vacuum jobs, and serves the
// inline-token TCP protocol until signalled to shut down.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/authbox-lib/sliding/internal/config"
	"github.com/authbox-lib/sliding/internal/logging"
	"github.com/authbox-lib/sliding/internal/server"
	"github.com/authbox-lib/sliding/internal/setmgr"
	"github.com/authbox-lib/sliding/internal/shll"
	"github.com/authbox-lib/sliding/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	service := "slidingd"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		return
	}

	// The meter provider is a no-op unless a collector endpoint is
	// wired in; this service has no OTLP collector configured.
	meter := noopmetric.MeterProvider{}.Meter(service)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("data dir create failed", "error", err, "path", cfg.DataDir)
		return
	}

	dbPath := filepath.Join(cfg.DataDir, "sliding.db")
	st, err := store.Open(dbPath, meter)
	if err != nil {
		slog.Error("store open failed", "error", err, "path", dbPath)
		return
	}
	defer st.Close()

	hllCfg := shll.Config{
		Precision:       cfg.DefaultPrecision,
		WindowPeriod:    cfg.SlidingPeriod,
		WindowPrecision: cfg.SlidingPrecision,
	}

	mgr, err := setmgr.New(setmgr.Config{
		Store:      st,
		DefaultCfg: hllCfg,
		InMemory:   cfg.InMemory,
		Meter:      meter,
	})
	if err != nil {
		slog.Error("set manager init failed", "error", err)
		return
	}
	mgr.StartBackgroundJobs(30*time.Second, 10*time.Second)

	srv := server.New(cfg.BindAddr, mgr, hllCfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	slog.Info("slidingd started", "addr", cfg.BindAddr, "data_dir", cfg.DataDir, "precision", cfg.DefaultPrecision)

	select {
	case <-ctx.Done():
		slog.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			slog.Error("server exited", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := mgr.Close(shutdownCtx); err != nil {
		slog.Error("flush-all on shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}
