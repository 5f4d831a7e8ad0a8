// Command mef3-server wires the chunk cache and prefetch engine's
// collaborators together: configuration, the decoder adapter, the cache,
// the prefetch scheduler, the File Manager façade, and the metrics/health
// observability endpoint. The RPC/wire transport is a separate concern and
// is not started here; this entrypoint only starts the pieces the core owns.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunkcache"
	"github.com/bnelair/brainmaze-mef3-server/internal/circuit"
	"github.com/bnelair/brainmaze-mef3-server/internal/config"
	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/internal/filemanager"
	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
	"github.com/bnelair/brainmaze-mef3-server/internal/prefetch"
	"github.com/bnelair/brainmaze-mef3-server/pkg/health"
	"github.com/bnelair/brainmaze-mef3-server/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fatal("load configuration", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal("apply environment overrides", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("validate configuration", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting mef3-server",
		"port", cfg.Port,
		"n_prefetch", cfg.NPrefetch,
		"cache_capacity_multiplier", cfg.CacheCapacityMultiplier,
		"max_workers", cfg.MaxWorkers,
	)

	// cfg.Port is the RPC listen port (owned by the out-of-scope transport);
	// the observability endpoint listens one port above it.
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        true,
		Port:           cfg.Port + 1,
		Path:           "/metrics",
		Namespace:      "mef3",
		UpdateInterval: 30 * time.Second,
	})
	if err != nil {
		fatal("initialize metrics", err)
	}

	tracker := health.DefaultTracker()

	cache := chunkcache.New(cfg.CacheCapacity(), collector)

	var scheduler *prefetch.Scheduler
	if cfg.NPrefetch > 0 {
		scheduler = prefetch.New(cfg.MaxWorkers, cfg.MaxWorkers*4, cache, collector)
	}

	// A breaker's own OnStateChange keeps the health tracker's per-file
	// status in sync with the circuit it guards: tripping to open marks the
	// file unavailable, a half-open probe succeeding back to closed marks it
	// recovered.
	breakers := circuit.NewManager(circuit.Config{
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				collector.RecordRetry()
			},
		},
		OnStateChange: func(fileID string, from, to circuit.State) {
			switch to {
			case circuit.StateOpen:
				tracker.MarkUnavailable(fileID)
			case circuit.StateClosed:
				tracker.MarkRecovered(fileID)
			}
		},
	})

	manager := filemanager.New(filemanager.Config{
		Adapter:         decoder.NewLocalDirectoryAdapter(),
		Cache:           cache,
		Scheduler:       scheduler,
		NPrefetch:       cfg.NPrefetch,
		CircuitBreakers: breakers,
		Health:          tracker,
		Metrics:         collector,
		Logger:          logger,
	})
	// manager is handed off to the RPC transport, which lives outside this
	// repository's scope; this entrypoint only needs it to drain open files
	// cleanly on shutdown.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := collector.Start(ctx); err != nil {
		fatal("start metrics server", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}
	for _, path := range manager.ListOpenFiles() {
		if err := manager.CloseFile(path); err != nil {
			logger.Warn("error closing file during shutdown", "path", path, "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warning":
		slogLevel = slog.LevelWarn
	case "error", "critical":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler)
}

func fatal(step string, err error) {
	slog.Error("startup failed", "step", step, "error", err)
	os.Exit(1)
}
