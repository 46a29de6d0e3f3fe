// Package main is the entry point for the matrixci controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matrixci/internal/config"
	"matrixci/internal/controller"
	"matrixci/internal/logger"
	"matrixci/internal/observability"
	"matrixci/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: environment only)")
	flag.Parse()

	log := logger.New()
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.SystemSecret == "" {
		log.Error("SYSTEM_SECRET is required; workers authenticate against it")
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if *migrateFlag {
		log.Info("running database migrations")
		if err := postgres.Migrate(store.DB()); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations completed")
	}

	shutdownTracer, err := observability.InitTracer(ctx, "matrixci-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// The server mounts /metrics itself; InitMetrics bridges the OTel
	// meter provider into the same prometheus registry.
	_, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// An async gauge queries queue depth only when scraped.
	meter := otel.Meter("matrixci-controller")
	_, err = meter.Int64ObservableGauge("matrixci.queue.depth",
		metric.WithDescription("Current number of runs in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := store.Count(ctx)
			if err != nil {
				// Don't fail the scrape on a database hiccup.
				log.Warn("failed to count queue depth", "error", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		log.Warn("failed to register queue depth metric", "error", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, cfg.SystemSecret)

	go func() {
		log.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			log.Error("server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}
