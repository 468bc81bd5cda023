package experiments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/stream"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// Streamer is one completion stream. *stream.Conn implements it.
type Streamer interface {
	Connect(ctx context.Context) error
	SendAndStream(ctx context.Context, req models.CompletionRequest, onToken func(string), onCompleted func()) error
	Disconnect()
}

// DialFunc creates an unconnected Streamer for an experiment's model version.
type DialFunc func(exp models.Experiment) (Streamer, error)

// WebSocketDialer returns a DialFunc that opens completion streams against
// the backend at baseURL.
func WebSocketDialer(baseURL string, opts stream.Options) DialFunc {
	return func(exp models.Experiment) (Streamer, error) {
		endpoint, err := stream.EndpointURL(baseURL, exp.Model, exp.Version)
		if err != nil {
			return nil, err
		}
		return stream.New(endpoint, opts), nil
	}
}

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Registry *Registry
	Dial     DialFunc
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// Runner drives experiment lifecycles. Every started experiment runs in its
// own goroutine with its own Streamer; runs only share the Registry.
type Runner struct {
	registry *Registry
	dial     DialFunc
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[runKey]context.CancelFunc
}

type runKey struct {
	modelID      string
	experimentID string
}

// NewRunner creates a Runner. Registry and Dial are required.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry: cfg.Registry,
		dial:     cfg.Dial,
		logger:   logger.With("component", "experiments"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[runKey]context.CancelFunc),
	}, nil
}

// Registry returns the registry the runner records into.
func (r *Runner) Registry() *Registry { return r.registry }

// Start begins exp in the registry and launches its stream in the
// background. A missing id is generated. The run is detached from ctx except
// for its logging values; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, exp models.Experiment) (models.Experiment, error) {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(r.ctx)
	runCtx = observability.AddExperiment(runCtx, exp.ModelID, exp.ID)
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		runCtx = observability.AddRequestID(runCtx, requestID)
	}

	// Register the run before it becomes visible so Cancel never misses it.
	key := runKey{modelID: exp.ModelID, experimentID: exp.ID}
	r.mu.Lock()
	if err := r.ctx.Err(); err != nil {
		r.mu.Unlock()
		cancel()
		return exp, fmt.Errorf("runner stopped: %w", err)
	}
	if err := r.registry.Begin(exp); err != nil {
		r.mu.Unlock()
		cancel()
		return exp, err
	}
	r.runs[key] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.ExperimentStarted(exp.Model)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.runs, key)
			r.mu.Unlock()
			cancel()
		}()
		r.run(runCtx, exp)
	}()
	return exp, nil
}

// Cancel stops an in-flight experiment and records it as cancelled. It
// returns false when no run is in flight for the id.
func (r *Runner) Cancel(modelID, experimentID string) bool {
	r.mu.Lock()
	cancel, ok := r.runs[runKey{modelID: modelID, experimentID: experimentID}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.registry.Cancel(modelID, experimentID)
	cancel()
	return true
}

// Running reports how many runs are in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all in-flight runs and waits for them, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, exp models.Experiment) {
	start := time.Now()
	ctx, span := r.tracer.TraceExperiment(ctx, exp.Model, exp.Version, exp.ID)
	defer span.End()

	status := models.ExperimentStatusFailed
	defer func() {
		r.metrics.ExperimentEnded(exp.Model, string(status), time.Since(start).Seconds())
		r.tracer.SetAttributes(span, "experiment.status", string(status))
	}()

	conn, err := r.dial(exp)
	if err != nil {
		r.tracer.RecordError(span, err)
		r.logger.ErrorContext(ctx, "failed to create stream", "model", exp.Model, "version", exp.Version, "error", err)
		r.registry.Fail(exp.ModelID, exp.ID)
		return
	}
	defer conn.Disconnect()

	if err := conn.Connect(ctx); err != nil {
		status = r.finish(ctx, exp, err)
		if status == models.ExperimentStatusFailed {
			r.tracer.RecordError(span, err)
		}
		return
	}
	r.registry.MarkStreaming(exp.ModelID, exp.ID)
	r.logger.DebugContext(ctx, "stream opened", "model", exp.Model, "version", exp.Version)

	first := true
	onToken := func(fragment string) {
		if !r.registry.AppendToken(exp.ModelID, exp.ID, fragment) {
			return
		}
		if first {
			first = false
			latency := time.Since(start)
			r.metrics.FirstFragment(exp.Model, latency.Seconds())
			r.tracer.AddEvent(span, "first_fragment", "latency_ms", latency.Milliseconds())
		}
		r.metrics.FragmentReceived(exp.Model, len(fragment))
	}
	onCompleted := func() {
		r.registry.Complete(exp.ModelID, exp.ID)
	}

	err = conn.SendAndStream(ctx, exp.CompletionRequest(), onToken, onCompleted)
	if err == nil {
		status = models.ExperimentStatusFinished
		if state, ok := r.registry.Get(exp.ModelID, exp.ID); ok && state.Status.Terminal() {
			status = state.Status
		}
		r.logger.InfoContext(ctx, "experiment finished", "model", exp.Model, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	status = r.finish(ctx, exp, err)
	if status == models.ExperimentStatusFailed {
		r.tracer.RecordError(span, err)
	}
}

// finish records the terminal state for a run that ended with err and returns
// the status it was recorded as.
func (r *Runner) finish(ctx context.Context, exp models.Experiment, err error) models.ExperimentStatus {
	if errors.Is(err, stream.ErrDisconnected) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		r.registry.Cancel(exp.ModelID, exp.ID)
		r.logger.InfoContext(ctx, "experiment cancelled", "model", exp.Model)
		return models.ExperimentStatusCancelled
	}
	if errors.Is(err, stream.ErrNotConnected) {
		r.logger.ErrorContext(ctx, "stream used before connect", "model", exp.Model, "error", err)
	} else {
		r.logger.WarnContext(ctx, "experiment failed", "model", exp.Model, "version", exp.Version, "error", err)
	}
	r.registry.Fail(exp.ModelID, exp.ID)
	return models.ExperimentStatusFailed
}
