// Package main is the entry point of the process running inside every
// execution unit. Usage: orchestrator [--] <command> [args...]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"podlauncher/internal/config"
	"podlauncher/internal/launcher"
	"podlauncher/internal/logger"
	"podlauncher/internal/orchestrator"
	"podlauncher/internal/statusstore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: podlauncher.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)

	id, err := orchestrator.IdentityFromEnv()
	if err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	logg = logg.With("execution", id.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statusstore.Open(ctx, statusstore.ConfigFrom(cfg), logg)
	if err != nil {
		logg.Error("status store unavailable", "error", err)
		os.Exit(1)
	}

	configDir := os.Getenv(launcher.EnvConfigDir)
	if configDir == "" {
		configDir = launcher.DefaultConfigDir
	}

	runner := orchestrator.New(launcher.NewReporter(store, id), orchestrator.Config{
		ConfigDir:  configDir,
		OutputPath: os.Getenv(orchestrator.EnvOutputPath),
		Command:    flag.Args(),
		Logger:     logg,
	})

	code, err := runner.Run(ctx)
	if err != nil {
		logg.Error("run failed", "exit_code", code, "error", err)
	}
	store.Close()
	os.Exit(code)
}
