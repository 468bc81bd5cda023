package console

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/modeldeck/internal/backend"
	"github.com/haasonsaas/modeldeck/internal/experiments"
	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// scriptedStreamer emits its tokens, then optionally blocks until released
// or cancelled before completing.
type scriptedStreamer struct {
	tokens  []string
	release chan struct{}
}

func (s *scriptedStreamer) Connect(context.Context) error { return nil }

func (s *scriptedStreamer) SendAndStream(ctx context.Context, _ models.CompletionRequest, onToken func(string), onCompleted func()) error {
	for _, token := range s.tokens {
		onToken(token)
	}
	if s.release != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.release:
		}
	}
	onCompleted()
	return nil
}

func (s *scriptedStreamer) Disconnect() {}

type fakeModels struct {
	mu     sync.Mutex
	models map[string]*models.Model
	tasks  []models.Task
}

func newFakeModels() *fakeModels {
	return &fakeModels{
		models: map[string]*models.Model{
			"m1": {ID: "m1", Name: "gpt2", Versions: []models.ModelVersion{{Version: "1.0.0"}}},
		},
		tasks: []models.Task{{ID: "t1", Name: "import gpt2", Status: models.TaskStatusSucceeded}},
	}
}

func (f *fakeModels) ListModels(context.Context) ([]models.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Model, 0, len(f.models))
	for _, m := range f.models {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeModels) GetModel(_ context.Context, id string) (*models.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return nil, &backend.APIError{Method: http.MethodGet, Path: "/v1/models/" + id, Status: http.StatusNotFound}
	}
	copied := *m
	return &copied, nil
}

func (f *fakeModels) UpdateModelDescription(ctx context.Context, id, description string) (*models.Model, error) {
	f.mu.Lock()
	if m, ok := f.models[id]; ok {
		m.Description = description
	}
	f.mu.Unlock()
	return f.GetModel(ctx, id)
}

func (f *fakeModels) ListTasks(context.Context) ([]models.Task, error) {
	return f.tasks, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	runner   *experiments.Runner
	registry *experiments.Registry
	saved    *storage.MemorySavedExperimentStore
	metrics  *observability.Metrics
	release  chan struct{}
}

func newTestEnv(t *testing.T, blocking bool) *testEnv {
	t.Helper()
	env := &testEnv{
		registry: experiments.NewRegistry(),
		saved:    storage.NewMemorySavedExperimentStore(),
	}
	if blocking {
		env.release = make(chan struct{})
	}
	reg := prometheus.NewRegistry()
	env.metrics = observability.NewMetrics(reg)

	runner, err := experiments.NewRunner(experiments.RunnerConfig{
		Registry: env.registry,
		Dial: func(models.Experiment) (experiments.Streamer, error) {
			return &scriptedStreamer{tokens: []string{"Hello", " world"}, release: env.release}, nil
		},
		Metrics: env.metrics,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	env.runner = runner
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	server, err := New(Config{
		Runner:   runner,
		Models:   newFakeModels(),
		Saved:    env.saved,
		Metrics:  env.metrics,
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.server = server
	env.handler = server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) models.ExperimentState {
	t.Helper()
	var state models.ExperimentState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v (%s)", err, rec.Body.String())
	}
	return state
}

func TestNewRequiresRunner(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without runner")
	}
}

func TestHealthzAndRequestMetrics(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := testutil.ToFloat64(env.metrics.HTTPRequestCounter.WithLabelValues("GET", "GET /healthz", "200")); got != 1 {
		t.Errorf("http request counter = %v", got)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "modeldeck_http_requests_total") {
		t.Errorf("metrics endpoint = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d", rec.Code)
	}
}

func TestModelAndTaskEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "list models", method: http.MethodGet, path: "/api/models", wantStatus: http.StatusOK, wantBody: `"gpt2"`},
		{name: "get model", method: http.MethodGet, path: "/api/models/m1", wantStatus: http.StatusOK, wantBody: `"1.0.0"`},
		{name: "missing model", method: http.MethodGet, path: "/api/models/zzz", wantStatus: http.StatusNotFound},
		{name: "describe model", method: http.MethodPatch, path: "/api/models/m1", body: `{"description":" tiny LM "}`, wantStatus: http.StatusOK, wantBody: `"tiny LM"`},
		{name: "describe without field", method: http.MethodPatch, path: "/api/models/m1", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "describe unknown field", method: http.MethodPatch, path: "/api/models/m1", body: `{"name":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "list tasks", method: http.MethodGet, path: "/api/tasks", wantStatus: http.StatusOK, wantBody: `"import gpt2"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s missing %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestModelEndpointsWithoutService(t *testing.T) {
	runner, err := experiments.NewRunner(experiments.RunnerConfig{
		Registry: experiments.NewRegistry(),
		Dial:     func(models.Experiment) (experiments.Streamer, error) { return &scriptedStreamer{}, nil },
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	server, err := New(Config{Runner: runner, Gatherer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("list models status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/models/m1/experiments", strings.NewReader(`{"prompt":"hi"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("start without model name = %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{name: "no origin header", origin: "", host: "console:8080", want: true},
		{name: "same host", origin: "http://console:8080", host: "console:8080", want: true},
		{name: "cross origin denied", origin: "http://evil.example", host: "console:8080", want: false},
		{name: "allowlisted", allowed: []string{"https://ui.example/"}, origin: "https://UI.example", host: "console:8080", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://anything", host: "console:8080", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/api/models/m1/experiments/watch", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(req); got != tt.want {
				t.Errorf("originChecker() = %v, want %v", got, tt.want)
			}
		})
	}
}
