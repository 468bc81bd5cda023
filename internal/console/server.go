// Package console serves the modeldeck HTTP API: model metadata, tasks,
// experiment lifecycle and a live experiment feed over WebSocket.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/modeldeck/internal/experiments"
	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/ratelimit"
	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// ModelService is the backend surface the console reads model metadata from.
// *backend.Client implements it.
type ModelService interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	UpdateModelDescription(ctx context.Context, id, description string) (*models.Model, error)
	ListTasks(ctx context.Context) ([]models.Task, error)
}

// Config holds console server dependencies.
type Config struct {
	// Runner starts and cancels experiments (required).
	Runner *experiments.Runner
	// Models resolves model names and versions (optional).
	Models ModelService
	// Saved persists finished experiments (optional).
	Saved storage.SavedExperimentStore
	// Logger for request logging
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// AllowedOrigins for the watch WebSocket. "*" allows any origin; empty
	// allows same-host requests only.
	AllowedOrigins []string
	// DefaultTokenLimit applies when a start request omits tokens.
	DefaultTokenLimit int
	// StartLimiter throttles experiment starts per client and model (optional).
	StartLimiter *ratelimit.Limiter
}

// Server is the console HTTP server.
type Server struct {
	runner   *experiments.Runner
	registry *experiments.Registry
	models   ModelService
	saved    storage.SavedExperimentStore
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	limiter  *ratelimit.Limiter

	defaultTokenLimit int

	// ctx ends watch sessions on Shutdown; hijacked connections are not
	// tracked by http.Server.
	ctx    context.Context
	cancel context.CancelFunc

	hydrateMu sync.Mutex
	hydrated  map[string]bool

	httpServer *http.Server
}

// New creates a console server.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	tokenLimit := cfg.DefaultTokenLimit
	if tokenLimit <= 0 {
		tokenLimit = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:            cfg.Runner,
		registry:          cfg.Runner.Registry(),
		models:            cfg.Models,
		saved:             cfg.Saved,
		logger:            logger.With("component", "console"),
		metrics:           cfg.Metrics,
		gatherer:          gatherer,
		limiter:           cfg.StartLimiter,
		defaultTokenLimit: tokenLimit,
		ctx:               ctx,
		cancel:            cancel,
		hydrated:          make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 8192,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s, nil
}

// Handler returns the console's routed handler wrapped in request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /api/models/{model}", s.handleGetModel)
	mux.HandleFunc("PATCH /api/models/{model}", s.handleUpdateModel)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)

	mux.HandleFunc("GET /api/models/{model}/experiments", s.handleListExperiments)
	mux.HandleFunc("POST /api/models/{model}/experiments", s.handleStartExperiment)
	mux.HandleFunc("GET /api/models/{model}/experiments/watch", s.handleWatch)
	mux.HandleFunc("GET /api/models/{model}/experiments/{id}", s.handleGetExperiment)
	mux.HandleFunc("POST /api/models/{model}/experiments/{id}/cancel", s.handleCancelExperiment)
	mux.HandleFunc("POST /api/models/{model}/experiments/{id}/save", s.handleSaveExperiment)
	mux.HandleFunc("DELETE /api/models/{model}/experiments/{id}", s.handleDeleteExperiment)

	return requestMiddleware(s.logger, s.metrics)(mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return listener.Addr(), nil
}

// Shutdown closes watch sessions and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
