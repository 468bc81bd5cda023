package console

import (
	"net/http"
	"strings"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonError(w, "model service not configured", http.StatusServiceUnavailable)
		return
	}
	list, err := s.models.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonError(w, "model service not configured", http.StatusServiceUnavailable)
		return
	}
	model, err := s.models.GetModel(r.Context(), r.PathValue("model"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, model)
}

type updateModelRequest struct {
	Description *string `json:"description"`
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonError(w, "model service not configured", http.StatusServiceUnavailable)
		return
	}
	var req updateModelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Description == nil {
		s.jsonError(w, "description is required", http.StatusBadRequest)
		return
	}
	model, err := s.models.UpdateModelDescription(r.Context(), r.PathValue("model"), strings.TrimSpace(*req.Description))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, model)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonError(w, "model service not configured", http.StatusServiceUnavailable)
		return
	}
	tasks, err := s.models.ListTasks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tasks": tasks})
}
