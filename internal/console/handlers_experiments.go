package console

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

const defaultTemperature = 1.0

type startExperimentRequest struct {
	ID          string   `json:"id,omitempty"`
	Model       string   `json:"model,omitempty"`
	Version     string   `json:"version,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Tokens      int      `json:"tokens,omitempty"`
	Prompt      string   `json:"prompt"`
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("model")
	if err := s.hydrate(r.Context(), modelID); err != nil {
		s.logger.WarnContext(r.Context(), "failed to load saved experiments", "model_id", modelID, "error", err)
	}
	list := s.registry.List(modelID)
	if list == nil {
		list = []models.ExperimentState{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"experiments": list})
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	state, ok := s.registry.Get(r.PathValue("model"), r.PathValue("id"))
	if !ok {
		s.jsonError(w, "experiment not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, state)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("model")
	if ok, wait := s.limiter.Allow(clientAddr(r) + "|" + modelID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		s.jsonError(w, "too many experiment starts, retry later", http.StatusTooManyRequests)
		return
	}
	var req startExperimentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	name, version, err := s.resolveModel(r.Context(), modelID, strings.TrimSpace(req.Model), strings.TrimSpace(req.Version))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exp := models.Experiment{
		ID:          strings.TrimSpace(req.ID),
		Model:       name,
		ModelID:     modelID,
		Version:     version,
		Temperature: defaultTemperature,
		TokenLimit:  req.Tokens,
		Prompt:      req.Prompt,
	}
	if req.Temperature != nil {
		exp.Temperature = *req.Temperature
	}
	if exp.TokenLimit == 0 {
		exp.TokenLimit = s.defaultTokenLimit
	}

	exp, err = s.runner.Start(r.Context(), exp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "experiment started", "model_id", modelID, "experiment_id", exp.ID, "version", exp.Version)

	state, ok := s.registry.Get(modelID, exp.ID)
	if !ok {
		// Only possible if the entry was removed between Start and here.
		s.jsonResponse(w, http.StatusAccepted, map[string]any{"experiment": exp})
		return
	}
	s.jsonResponse(w, http.StatusAccepted, state)
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	modelID, id := r.PathValue("model"), r.PathValue("id")
	if !s.runner.Cancel(modelID, id) {
		state, ok := s.registry.Get(modelID, id)
		if !ok {
			s.jsonError(w, "experiment not found", http.StatusNotFound)
			return
		}
		s.jsonError(w, "experiment is not running: "+string(state.Status), http.StatusConflict)
		return
	}
	state, _ := s.registry.Get(modelID, id)
	s.jsonResponse(w, http.StatusOK, state)
}

func (s *Server) handleSaveExperiment(w http.ResponseWriter, r *http.Request) {
	if s.saved == nil {
		s.jsonError(w, "saved experiment storage not configured", http.StatusServiceUnavailable)
		return
	}
	modelID, id := r.PathValue("model"), r.PathValue("id")
	// Load persisted records first so the one written below is not added
	// again by a later hydration.
	if err := s.hydrate(r.Context(), modelID); err != nil {
		s.logger.WarnContext(r.Context(), "failed to load saved experiments", "model_id", modelID, "error", err)
	}
	state, ok := s.registry.Get(modelID, id)
	if !ok {
		s.jsonError(w, "experiment not found", http.StatusNotFound)
		return
	}
	clearLive := r.URL.Query().Get("clear") == "true"
	if state.Saved {
		if clearLive {
			s.registry.MoveToSaved(modelID, id, state.SavedID)
			state, _ = s.registry.Get(modelID, id)
		}
		s.jsonResponse(w, http.StatusOK, state)
		return
	}
	if state.Status != models.ExperimentStatusFinished {
		s.jsonError(w, "only finished experiments can be saved", http.StatusConflict)
		return
	}

	record := state.ToSaved()
	record.CreatedAt = state.FinishedAt
	if err := s.saved.Save(r.Context(), &record); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "experiment saved", "model_id", modelID, "experiment_id", id, "saved_id", record.ID)

	if clearLive {
		s.registry.MoveToSaved(modelID, id, record.ID)
	} else {
		s.registry.MarkSaved(modelID, id, record.ID)
	}
	state, _ = s.registry.Get(modelID, id)
	s.jsonResponse(w, http.StatusOK, state)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	modelID, id := r.PathValue("model"), r.PathValue("id")
	state, ok := s.registry.Get(modelID, id)
	if !ok {
		s.jsonError(w, "experiment not found", http.StatusNotFound)
		return
	}
	if state.Active() {
		s.runner.Cancel(modelID, id)
	}
	if state.Saved && state.SavedID != "" && s.saved != nil {
		if err := s.saved.Delete(r.Context(), state.SavedID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
	}
	s.registry.Remove(modelID, id)
	w.WriteHeader(http.StatusNoContent)
}

// resolveModel fills in the model name and version from the model service
// when the request leaves them out.
func (s *Server) resolveModel(ctx context.Context, modelID, name, version string) (string, string, error) {
	if name != "" && version != "" {
		return name, version, nil
	}
	if s.models == nil {
		return "", "", errInvalid("model and version are required")
	}
	model, err := s.models.GetModel(ctx, modelID)
	if err != nil {
		return "", "", err
	}
	if name == "" {
		name = model.Name
	}
	if version == "" {
		version = model.LatestVersion()
		if version == "" {
			return "", "", errInvalid("model has no versions")
		}
	}
	return name, version, nil
}

// hydrate loads a model's saved experiments into the registry once.
func (s *Server) hydrate(ctx context.Context, modelID string) error {
	if s.saved == nil {
		return nil
	}
	s.hydrateMu.Lock()
	defer s.hydrateMu.Unlock()
	if s.hydrated[modelID] {
		return nil
	}
	records, err := s.saved.List(ctx, modelID)
	if err != nil {
		return err
	}
	name := modelID
	if s.models != nil {
		if model, err := s.models.GetModel(ctx, modelID); err == nil && model.Name != "" {
			name = model.Name
		}
	}
	s.registry.AddSaved(modelID, name, records)
	s.hydrated[modelID] = true
	return nil
}

// clientAddr is the request's remote host, without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
