package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/modeldeck/internal/config"
	"github.com/haasonsaas/modeldeck/internal/console"
	"github.com/haasonsaas/modeldeck/internal/experiments"
	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/ratelimit"
)

// runServe wires the registry, runner and console server, then blocks until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath, listen string, debug bool) error {
	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	levelVar := new(slog.LevelVar)
	logger := setupLogger(cfg, debug, levelVar)
	logger.Info("starting modeldeck",
		"version", version,
		"commit", commit,
		"config", configPath,
		"config_loaded", fromFile,
		"debug", debug,
	)

	tracing := cfg.Observability.Tracing
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: version,
		Environment:    tracing.Environment,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SamplingRate,
		EnableInsecure: tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	client, err := newBackendClient(cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	saved, closeStore, err := openSavedStore(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("failed to open saved experiment store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("saved store close failed", "error", err)
		}
	}()

	runner, err := experiments.NewRunner(experiments.RunnerConfig{
		Registry: experiments.NewRegistry(),
		Dial:     experiments.WebSocketDialer(client.BaseURL(), streamOptions(cfg)),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}

	server, err := console.New(console.Config{
		Runner:         runner,
		Models:         client,
		Saved:          saved,
		Logger:         logger,
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StartLimiter: ratelimit.New(ratelimit.Config{
			Enabled:           cfg.Server.StartLimit.Enabled,
			RequestsPerSecond: cfg.Server.StartLimit.RequestsPerSecond,
			Burst:             cfg.Server.StartLimit.Burst,
		}),
	})
	if err != nil {
		return err
	}

	if fromFile && !debug {
		err := config.Watch(ctx, configPath, logger, func(updated *config.Config) {
			levelVar.Set(observability.LogLevelFromString(updated.Logging.Level))
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	addr, err := server.Start(cfg.Server.Listen)
	if err != nil {
		return err
	}
	logger.Info("modeldeck started",
		"http_addr", addr.String(),
		"backend", client.BaseURL(),
		"storage", cfg.Storage.Driver,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("modeldeck stopped gracefully")
	return nil
}
