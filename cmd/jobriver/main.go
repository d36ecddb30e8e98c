// Command jobriver runs the orchestration service: HTTP API, websocket
// event stream, scheduler, error engine, integrity engine and notifier
// over a Redis-backed job store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobriver/jobriver/coordinator"
	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/errorengine"
	"github.com/jobriver/jobriver/integrity"
	"github.com/jobriver/jobriver/notify"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/resilience"
	"github.com/jobriver/jobriver/scheduler"
	"github.com/jobriver/jobriver/store"
	"github.com/jobriver/jobriver/syncbus"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config file")
		addr       = flag.String("addr", ":8080", "HTTP listen address")
		backend    = flag.String("store", "redis", "job store backend (redis|memory)")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *backend); err != nil {
		fmt.Fprintf(os.Stderr, "jobriver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr, backend string) error {
	cfg := core.DefaultConfig()
	if configPath != "" {
		loaded, err := core.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := core.NewJSONLoggerWithOptions(os.Stdout, core.ParseLogLevel(cfg.LogLevel))

	reg := registry.New(logger)
	if cfg.RegistryPath != "" {
		if err := reg.LoadFile(cfg.RegistryPath); err != nil {
			return fmt.Errorf("failed to load platform catalog: %w", err)
		}
	}

	var jobStore core.JobStore
	switch backend {
	case "redis":
		var rs *store.RedisStore
		err := resilience.Retry(context.Background(), &resilience.RetryConfig{
			MaxAttempts:   5,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		}, func() error {
			var cerr error
			rs, cerr = store.NewRedisStore(&cfg.Redis, logger)
			return cerr
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rs.Close()
		jobStore = rs
	case "memory":
		jobStore = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := syncbus.New(&cfg.SyncBus, logger)
	if err := bus.Start(ctx); err != nil {
		return err
	}

	notifier := notify.New(&cfg.Notify, bus, logger)
	if err := notifier.Start(ctx); err != nil {
		return err
	}

	coord := coordinator.New(&coordinator.Config{
		Store:     jobStore,
		Registry:  reg,
		Scheduler: scheduler.New(&cfg.Scheduler, jobStore, reg, bus, logger),
		Errors: errorengine.New(jobStore, reg, &errorengine.Config{
			Notifier: notifier,
			Bus:      bus,
			Logger:   logger,
		}),
		Integrity: integrity.New(jobStore, reg, &cfg.Integrity, logger),
		Bus:       bus,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err := coord.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	coordinator.NewAPIHandler(coord, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		return err
	}

	// Stop accepting requests first, then drain components in reverse
	// dependency order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Warn("Coordinator shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Warn("Notifier shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("Sync bus shutdown", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Shutdown complete", nil)
	return nil
}
