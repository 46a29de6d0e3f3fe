// Package main is the entry point for the matrixci worker.
//
// The worker claims queued matrix runs and executes every environment
// on the configured runtime. Verdicts and per-phase outcomes are
// written back to the store; run output streams to the controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matrixci/internal/config"
	"matrixci/internal/logger"
	"matrixci/internal/observability"
	"matrixci/internal/runtime"
	"matrixci/internal/store/postgres"
	"matrixci/internal/worker"
)

const metricsAddr = ":7172"

func main() {
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
		log.Warn("SYSTEM_SECRET is empty; the controller will reject shipped logs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, "matrixci-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics before the agent so run counters land on the real provider.
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	meters, err := observability.NewRunMeters()
	if err != nil {
		log.Error("failed to create run meters", "error", err)
		os.Exit(1)
	}

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rt, err := newRuntime(cfg, log)
	if err != nil {
		log.Error("failed to create runtime", "runtime", cfg.Runtime, "error", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = fmt.Sprintf("worker-%d", os.Getpid())
	}

	agent := worker.New(st, rt, meters, worker.AgentConfig{
		ID:                  hostname,
		Concurrency:         cfg.WorkerConcurrency,
		MaxParallel:         cfg.MaxParallel,
		PollInterval:        cfg.WorkerPollInterval,
		ControllerURL:       cfg.ControllerURL,
		SystemSecret:        cfg.SystemSecret,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		VisibilityExtension: cfg.VisibilityExtension,
		PhaseTimeout:        cfg.PhaseTimeout,
		Logger:              log,
	}, nil)

	go func() {
		if err := agent.Run(ctx); err != nil && err != context.Canceled {
			log.Error("agent stopped", "error", err)
		}
	}()
	log.Info("worker started",
		"id", hostname,
		"runtime", cfg.Runtime,
		"concurrency", cfg.WorkerConcurrency,
		"max_parallel", cfg.MaxParallel,
	)

	// Dedicated metrics server, separate from the controller's port.
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux(metricsHandler)}
	go func() {
		log.Info("metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	cancel()
	// In-flight runs are cancelled; their claims expire and another
	// worker redelivers them. Finished runs keep their verdicts.
	<-agent.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server forced to shutdown", "error", err)
	}
	log.Info("worker exited")
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}

func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeExec:
		rt := runtime.NewExecRuntime(cfg.RuntimeWorkDir)
		rt.GPUSlots = cfg.GPUSlots
		log.Info("using exec runtime", "workdir", rt.WorkDir, "gpu_slots", rt.GPUSlots)
		return rt, nil
	case config.RuntimeKubernetes:
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.K8sNamespace,
			ServiceAccount: cfg.K8sServiceAccount,
			GPUSlots:       cfg.GPUSlots,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using kubernetes runtime", "namespace", cfg.K8sNamespace, "gpu_slots", cfg.GPUSlots)
		return rt, nil
	default:
		rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{GPUSlots: cfg.GPUSlots})
		if err != nil {
			return nil, err
		}
		log.Info("using docker runtime", "gpu_slots", cfg.GPUSlots)
		return rt, nil
	}
}
