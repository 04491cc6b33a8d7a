// Package main is the entry point for the podlauncher service.
// It owns the launch manager, the cluster backend and the status store,
// and exposes them over the internal HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/attribute"

	"podlauncher/internal/cluster"
	"podlauncher/internal/config"
	"podlauncher/internal/launcher"
	"podlauncher/internal/logger"
	"podlauncher/internal/observability"
	"podlauncher/internal/server"
	"podlauncher/internal/server/handlers"
	"podlauncher/internal/statusstore"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: podlauncher.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireInternalSecret(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logg := logger.New(cfg.LogLevel)
	slog.SetDefault(logg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error("podlauncher exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *slog.Logger) error {
	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName:   "podlauncher",
		CollectorAddr: cfg.OTELEndpoint,
		SampleRatio:   cfg.OTELSampleRatio,
		Attributes:    []attribute.KeyValue{attribute.String("podlauncher.backend", cfg.Backend)},
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("podlauncher")
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	metricsServer := observability.NewMetricsServer(cfg.MetricsPort, metricsHandler)
	go func() {
		logg.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("metrics server error", "error", err)
		}
	}()
	defer metricsServer.Close()

	backend, namespace, err := newBackend(cfg, logg)
	if err != nil {
		return err
	}

	store, err := statusstore.Open(ctx, statusstore.ConfigFrom(cfg), logg)
	if err != nil {
		return err
	}
	defer store.Close()

	reaper := launcher.NewReaper(backend,
		launcher.WithReapTimeout(cfg.ReapTimeout),
		launcher.WithReapBackoff(cfg.ReapBackoff),
		launcher.WithDeleteRateLimit(cfg.DeleteRateLimit, int(max(cfg.DeleteRateLimit, 1))),
		launcher.WithReaperLogger(logg),
	)

	manager := launcher.NewManager(backend, store, reaper, launcher.Options{
		Namespace:         namespace,
		PodNamePrefix:     cfg.PodNamePrefix,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Heartbeat: func(ctx context.Context) {
			logg.Debug("launcher heartbeat")
		},
		Logger: logg,
	})

	srv := server.New(fmt.Sprintf(":%d", cfg.HTTPPort), manager, store, server.Options{
		InternalSecret: cfg.InternalSecret,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		Defaults: handlers.Defaults{
			Image: cfg.OrchestratorImage,
			Env:   unitEnv(cfg),
		},
		Logger: logg,
	})

	logg.Info("podlauncher started",
		"port", cfg.HTTPPort,
		"backend", cfg.Backend,
		"status_store", cfg.StatusStore,
		"namespace", namespace,
	)
	serveErr := srv.Run(ctx)

	logg.Info("shutting down podlauncher")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logg.Warn("launches did not stop in time", "error", err)
	}
	return serveErr
}

// newBackend returns the configured cluster backend and the namespace its units live in.
func newBackend(cfg *config.Config, logg *slog.Logger) (launcher.ClusterBackend, string, error) {
	switch cfg.Backend {
	case "docker":
		b, err := cluster.NewDockerBackend(cluster.DockerConfig{
			WorkDir: cfg.DockerWorkDir,
			Network: cfg.DockerNetwork,
		}, logg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create docker backend: %w", err)
		}
		logg.Info("using docker backend", "workdir", cfg.DockerWorkDir)
		return b, cfg.KubernetesNamespace, nil
	default:
		b, err := cluster.NewKubernetesBackend(cluster.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
		}, logg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create kubernetes backend: %w", err)
		}
		logg.Info("using kubernetes backend", "namespace", cfg.KubernetesNamespace)
		return b, cfg.KubernetesNamespace, nil
	}
}

// unitEnv is the environment every unit starts with: the status store settings
// and the TRANSFER_ENV variables copied from this process.
func unitEnv(cfg *config.Config) map[string]string {
	env := cfg.StatusStoreEnv()
	for _, name := range cfg.TransferEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
