package experiments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/stream"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// fakeStreamer replays scripted fragments and then ends with streamErr, or
// blocks until cancelled when block is set.
type fakeStreamer struct {
	connectErr error
	fragments  []string
	streamErr  error
	block      bool

	mu           sync.Mutex
	connected    bool
	disconnected int
	sent         []models.CompletionRequest
	stop         chan struct{}
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{stop: make(chan struct{})}
}

func (f *fakeStreamer) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeStreamer) SendAndStream(ctx context.Context, req models.CompletionRequest, onToken func(string), onCompleted func()) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return stream.ErrNotConnected
	}
	f.sent = append(f.sent, req)
	f.mu.Unlock()

	for _, fragment := range f.fragments {
		onToken(fragment)
	}
	if f.block {
		select {
		case <-ctx.Done():
		case <-f.stop:
		}
		return stream.ErrDisconnected
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	onCompleted()
	return nil
}

func (f *fakeStreamer) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
}

func (f *fakeStreamer) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func newTestRunner(t *testing.T, dial DialFunc) (*Runner, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	runner, err := NewRunner(RunnerConfig{
		Registry: NewRegistry(),
		Dial:     dial,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return runner, metrics
}

func dialFake(f *fakeStreamer) DialFunc {
	return func(models.Experiment) (Streamer, error) { return f, nil }
}

func waitForStatus(t *testing.T, r *Registry, modelID, id string, want models.ExperimentStatus) models.ExperimentState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := r.Get(modelID, id); ok && state.Status == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := r.Get(modelID, id)
	t.Fatalf("experiment %s status = %s, want %s", id, state.Status, want)
	return state
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{Dial: dialFake(newFakeStreamer())}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewRunner(RunnerConfig{Registry: NewRegistry()}); err == nil {
		t.Error("expected error without dial func")
	}
}

func TestRunner_StreamsToCompletion(t *testing.T) {
	fake := newFakeStreamer()
	fake.fragments = []string{"Hello", " world"}
	runner, metrics := newTestRunner(t, dialFake(fake))

	exp, err := runner.Start(context.Background(), testExperiment("e1", "m1"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	runner.Wait()

	state := waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusFinished)
	if state.Output != "Hello world" || state.Failed() {
		t.Errorf("state = %+v", state)
	}
	if len(fake.sent) != 1 || fake.sent[0].Prompt != exp.Prompt || fake.sent[0].Tokens != exp.TokenLimit {
		t.Errorf("sent = %+v", fake.sent)
	}
	if fake.disconnects() == 0 {
		t.Error("connection was not disconnected after completion")
	}
	if got := testutil.ToFloat64(metrics.ExperimentsEnded.WithLabelValues(exp.Model, "finished")); got != 1 {
		t.Errorf("finished metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.FragmentsReceived.WithLabelValues(exp.Model)); got != 2 {
		t.Errorf("fragments metric = %v", got)
	}
	if runner.Running() != 0 {
		t.Errorf("Running() = %d after completion", runner.Running())
	}
}

func TestRunner_GeneratesMissingID(t *testing.T) {
	runner, _ := newTestRunner(t, dialFake(newFakeStreamer()))
	exp := testExperiment("", "m1")
	started, err := runner.Start(context.Background(), exp)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.ID == "" {
		t.Fatal("expected generated id")
	}
	runner.Wait()
	waitForStatus(t, runner.Registry(), "m1", started.ID, models.ExperimentStatusFinished)
}

func TestRunner_ConnectFailureMarksFailed(t *testing.T) {
	fake := newFakeStreamer()
	fake.connectErr = &stream.ConnectionError{URL: "ws://x", StatusCode: 502, Err: errors.New("bad handshake")}
	runner, metrics := newTestRunner(t, dialFake(fake))

	exp, err := runner.Start(context.Background(), testExperiment("e1", "m1"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	runner.Wait()

	state := waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusFailed)
	if state.Active() || state.Output != "" {
		t.Errorf("state = %+v", state)
	}
	if got := testutil.ToFloat64(metrics.ExperimentsEnded.WithLabelValues(exp.Model, "failed")); got != 1 {
		t.Errorf("failed metric = %v", got)
	}
}

func TestRunner_StreamErrorKeepsPartialOutput(t *testing.T) {
	fake := newFakeStreamer()
	fake.fragments = []string{"partial"}
	fake.streamErr = &stream.StreamError{Code: websocket.CloseInternalServerErr, Err: errors.New("boom")}
	runner, _ := newTestRunner(t, dialFake(fake))

	exp, _ := runner.Start(context.Background(), testExperiment("e1", "m1"))
	runner.Wait()

	state := waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusFailed)
	if state.Output != "partial" {
		t.Errorf("output = %q", state.Output)
	}
	if fake.disconnects() == 0 {
		t.Error("connection was not disconnected after failure")
	}
}

func TestRunner_DialErrorMarksFailed(t *testing.T) {
	runner, _ := newTestRunner(t, func(models.Experiment) (Streamer, error) {
		return nil, errors.New("no endpoint")
	})
	exp, _ := runner.Start(context.Background(), testExperiment("e1", "m1"))
	runner.Wait()
	waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusFailed)
}

func TestRunner_CancelIsNotFailure(t *testing.T) {
	fake := newFakeStreamer()
	fake.fragments = []string{"so far"}
	fake.block = true
	runner, metrics := newTestRunner(t, dialFake(fake))

	exp, _ := runner.Start(context.Background(), testExperiment("e1", "m1"))
	waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusStreaming)

	if !runner.Cancel("m1", exp.ID) {
		t.Fatal("Cancel() returned false for running experiment")
	}
	runner.Wait()

	state := waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusCancelled)
	if state.Failed() || state.Active() || state.Output != "so far" {
		t.Errorf("state = %+v", state)
	}
	if runner.Cancel("m1", exp.ID) {
		t.Error("Cancel() after run ended should return false")
	}
	if got := testutil.ToFloat64(metrics.ExperimentsEnded.WithLabelValues(exp.Model, "cancelled")); got != 1 {
		t.Errorf("cancelled metric = %v", got)
	}
}

func TestRunner_ShutdownCancelsRuns(t *testing.T) {
	fake := newFakeStreamer()
	fake.block = true
	runner, _ := newTestRunner(t, dialFake(fake))

	exp, _ := runner.Start(context.Background(), testExperiment("e1", "m1"))
	waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusCancelled)

	if _, err := runner.Start(context.Background(), testExperiment("e2", "m1")); err == nil {
		t.Error("Start() after Shutdown should fail")
	}
}

func TestRunner_DuplicateStartRejected(t *testing.T) {
	fake := newFakeStreamer()
	fake.block = true
	runner, _ := newTestRunner(t, dialFake(fake))

	if _, err := runner.Start(context.Background(), testExperiment("e1", "m1")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := runner.Start(context.Background(), testExperiment("e1", "m1")); !errors.Is(err, ErrDuplicateExperiment) {
		t.Errorf("duplicate Start() error = %v", err)
	}
	runner.Cancel("m1", "e1")
}

func TestRunner_ConcurrentExperimentsOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req models.CompletionRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Echo the prompt back one byte at a time.
		for _, ch := range req.Prompt {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(string(ch))); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	runner, _ := newTestRunner(t, WebSocketDialer(srv.URL, stream.Options{}))

	exps := []models.Experiment{
		testExperiment("e1", "m1"),
		testExperiment("e2", "m2"),
		testExperiment("e3", "m1"),
	}
	for _, exp := range exps {
		if _, err := runner.Start(context.Background(), exp); err != nil {
			t.Fatalf("Start(%s) error = %v", exp.ID, err)
		}
	}
	runner.Wait()

	for _, exp := range exps {
		state := waitForStatus(t, runner.Registry(), exp.ModelID, exp.ID, models.ExperimentStatusFinished)
		if state.Output != exp.Prompt {
			t.Errorf("%s output = %q, want %q", exp.ID, state.Output, exp.Prompt)
		}
	}
}

func TestRunner_UnreachableBackendFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	runner, _ := newTestRunner(t, WebSocketDialer(url, stream.Options{HandshakeTimeout: time.Second}))
	exp, _ := runner.Start(context.Background(), testExperiment("e1", "m1"))
	runner.Wait()
	waitForStatus(t, runner.Registry(), "m1", exp.ID, models.ExperimentStatusFailed)
}
