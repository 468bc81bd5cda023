package console

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/modeldeck/internal/experiments"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

const (
	watchMaxPayloadBytes = 4096
	watchTickInterval    = 15 * time.Second
	watchPongWait        = 45 * time.Second
	watchWriteWait       = 10 * time.Second
)

// watchFrame is one server-to-client message on the watch socket. The first
// frame is a snapshot; every later frame carries one registry change with
// the experiment's full state, so a client that missed a change catches up
// on the next one.
type watchFrame struct {
	Type        string                   `json:"type"`
	ModelID     string                   `json:"model_id"`
	Experiments []models.ExperimentState `json:"experiments,omitempty"`
	Change      *experiments.Change      `json:"change,omitempty"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("model")
	if err := s.hydrate(r.Context(), modelID); err != nil {
		s.logger.WarnContext(r.Context(), "failed to load saved experiments", "model_id", modelID, "error", err)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.logger.DebugContext(r.Context(), "watch upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// Subscribe before the snapshot so nothing between the two is lost.
	changes, unsubscribe := s.registry.Subscribe(modelID)
	defer unsubscribe()

	go watchReadLoop(conn, cancel)

	snapshot := s.registry.List(modelID)
	if snapshot == nil {
		snapshot = []models.ExperimentState{}
	}
	if err := writeWatchFrame(conn, watchFrame{Type: "snapshot", ModelID: modelID, Experiments: snapshot}); err != nil {
		return
	}

	ticker := time.NewTicker(watchTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(watchWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := writeWatchFrame(conn, watchFrame{Type: "change", ModelID: modelID, Change: &change}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}

// watchReadLoop drains client frames so control frames are processed and
// cancels the session when the client goes away.
func watchReadLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(watchMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeWatchFrame(conn *websocket.Conn, frame watchFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait)) //nolint:errcheck
	return conn.WriteJSON(frame)
}

// originChecker allows requests whose Origin is in allowed, any origin when
// allowed contains "*", and same-host origins otherwise.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")] = true
	}
	return func(r *http.Request) bool {
		if set["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set[strings.TrimRight(strings.ToLower(origin), "/")] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
