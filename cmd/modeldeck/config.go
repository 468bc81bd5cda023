package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/haasonsaas/modeldeck/internal/backend"
	"github.com/haasonsaas/modeldeck/internal/config"
	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/retry"
	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/internal/stream"
)

const defaultConfigPath = "modeldeck.yaml"

// resolveConfigPath prefers an explicit flag, then MODELDECK_CONFIG.
func resolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("MODELDECK_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig loads path. A missing default config file falls back to
// built-in defaults so the CLI works without one.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("failed to load config: %w", err)
}

// setupLogger installs the configured redacting logger as the default.
func setupLogger(cfg *config.Config, debug bool, levelVar *slog.LevelVar) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		LevelVar:  levelVar,
	})
	slog.SetDefault(logger)
	return logger
}

func newBackendClient(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*backend.Client, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Backend.RetryAttempts
	return backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
		Retry:   retryCfg,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
}

func streamOptions(cfg *config.Config) stream.Options {
	opts := stream.Options{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ReadLimit:        cfg.Stream.ReadLimit,
		PongWait:         cfg.Stream.PongWait,
		WriteWait:        cfg.Stream.WriteWait,
	}
	if cfg.Backend.Token != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + cfg.Backend.Token}}
	}
	return opts
}

// openSavedStore returns the configured saved-experiment store and a close
// function.
func openSavedStore(ctx context.Context, cfg *config.Config, client *backend.Client) (storage.SavedExperimentStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return storage.NewMemorySavedExperimentStore(), noop, nil
	case config.StorageSQLite, config.StoragePostgres:
		dsn := cfg.Storage.DSN
		if cfg.Storage.Driver == config.StorageSQLite {
			dsn = cfg.Storage.Path
		}
		sqlCfg := storage.DefaultSQLConfig(cfg.Storage.Driver, dsn)
		if cfg.Storage.MaxOpenConns > 0 && cfg.Storage.Driver == config.StoragePostgres {
			sqlCfg.MaxOpenConns = cfg.Storage.MaxOpenConns
		}
		store, err := storage.OpenSQLStore(ctx, sqlCfg)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return client.SavedExperiments(), noop, nil
	}
}
