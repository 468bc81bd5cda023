package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/modeldeck/internal/experiments"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

func dialWatch(t *testing.T, serverURL, modelID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/models/" + modelID + "/experiments/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) watchFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame watchFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func TestWatchStreamsSnapshotAndChanges(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	existing := startExperiment(t, env, `{"prompt":"before watch"}`)
	env.runner.Wait()

	conn := dialWatch(t, server.URL, "m1")
	snapshot := readFrame(t, conn)
	if snapshot.Type != "snapshot" || snapshot.ModelID != "m1" {
		t.Fatalf("first frame = %+v", snapshot)
	}
	if len(snapshot.Experiments) != 1 || snapshot.Experiments[0].Experiment.ID != existing.Experiment.ID {
		t.Fatalf("snapshot experiments = %+v", snapshot.Experiments)
	}

	resp, err := http.Post(server.URL+"/api/models/m1/experiments", "application/json", strings.NewReader(`{"id":"watched","prompt":"live"}`))
	if err != nil {
		t.Fatalf("start request error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	var kinds []experiments.ChangeKind
	for {
		frame := readFrame(t, conn)
		if frame.Type != "change" || frame.Change == nil {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if frame.Change.ExperimentID != "watched" {
			continue
		}
		kinds = append(kinds, frame.Change.Kind)
		if frame.Change.Kind == experiments.ChangeFinished {
			if frame.Change.State.Output != "Hello world" || frame.Change.State.Status != models.ExperimentStatusFinished {
				t.Errorf("finished state = %+v", frame.Change.State)
			}
			break
		}
	}
	if kinds[0] != experiments.ChangeBegin {
		t.Errorf("first change = %s, want begin (all: %v)", kinds[0], kinds)
	}
}

func TestWatchReportsSaveWithClear(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	started := startExperiment(t, env, `{"prompt":"archive me"}`)
	env.runner.Wait()
	id := started.Experiment.ID

	conn := dialWatch(t, server.URL, "m1")
	readFrame(t, conn)

	resp, err := http.Post(server.URL+"/api/models/m1/experiments/"+id+"/save?clear=true", "application/json", nil)
	if err != nil {
		t.Fatalf("save request error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	frame := readFrame(t, conn)
	if frame.Change == nil || frame.Change.Kind != experiments.ChangeSaved || frame.Change.ExperimentID != id {
		t.Fatalf("frame = %+v, want saved change for %s", frame, id)
	}
	if !frame.Change.State.Saved || frame.Change.State.SavedID == "" {
		t.Errorf("saved change state = %+v", frame.Change.State)
	}
}

func TestWatchIgnoresOtherModels(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	conn := dialWatch(t, server.URL, "m1")
	readFrame(t, conn)

	if err := env.registry.Begin(models.Experiment{ID: "other", Model: "x", ModelID: "m2", Version: "1", Prompt: "p", TokenLimit: 1}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := env.registry.Begin(models.Experiment{ID: "mine", Model: "gpt2", ModelID: "m1", Version: "1", Prompt: "p", TokenLimit: 1}); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Change == nil || frame.Change.ExperimentID != "mine" {
		t.Errorf("frame = %+v, want change for mine", frame)
	}
}

func TestShutdownClosesWatchSessions(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	conn := dialWatch(t, server.URL, "m1")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want going-away close", err)
	}
}
