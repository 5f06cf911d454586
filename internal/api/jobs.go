package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cook/internal/engine"
	"github.com/seantiz/cook/internal/lifecycle"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/schema"
)

const maxBodySize = 1 << 20 // 1 MB

// createJobRequest is the JSON body for POST /v1/jobs. The client id comes
// from the X-Client-Id header.
type createJobRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	RecipeID   string         `json:"recipeId"`
	Priority   string         `json:"priority"`
	Parameters map[string]any `json:"parameters"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = model.NewID()
	}

	info, err := s.manager.CreateJob(model.Order{
		ID:         req.ID,
		Name:       req.Name,
		ClientID:   clientID(r),
		RecipeID:   req.RecipeID,
		Priority:   req.Priority,
		Parameters: req.Parameters,
	}, "")
	if err != nil {
		s.writeManagerError(w, r, "create job", err)
		return
	}

	if run, _ := strconv.ParseBool(r.URL.Query().Get("run")); run {
		if err := s.manager.Start(info.ClientID, info.ID); err != nil {
			s.writeManagerError(w, r, "start job", err)
			return
		}
		info, _ = s.manager.JobInfo(info.ClientID, info.ID)
	}

	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.JobInfoList(clientID(r)))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.JobInfo(clientID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeManagerError(w, r, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetJobReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.JobReport(clientID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeManagerError(w, r, "get job report", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	client, id := clientID(r), chi.URLParam(r, "id")
	if err := s.manager.Start(client, id); err != nil {
		s.writeManagerError(w, r, "run job", err)
		return
	}
	info, err := s.manager.JobInfo(client, id)
	if err != nil {
		s.writeManagerError(w, r, "run job", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	client, id := clientID(r), chi.URLParam(r, "id")
	if err := s.manager.CancelJob(r.Context(), client, id); err != nil {
		s.writeManagerError(w, r, "cancel job", err)
		return
	}
	info, err := s.manager.JobInfo(client, id)
	if err != nil {
		s.writeManagerError(w, r, "cancel job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	keep, _ := strconv.ParseBool(r.URL.Query().Get("keepTempDir"))
	if err := s.manager.RemoveJob(r.Context(), clientID(r), chi.URLParam(r, "id"), keep); err != nil {
		s.writeManagerError(w, r, "remove job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeManagerError maps job manager errors to HTTP responses.
func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed: " + ve.Subject, Details: ve.Details})
	case errors.Is(err, engine.ErrUnknownJob), errors.Is(err, recipe.ErrUnknownRecipe):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownClient):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrUnsafeJobID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrDuplicateJob),
		errors.Is(err, engine.ErrJobStarted),
		errors.Is(err, lifecycle.ErrCancelInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), op, "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed: "+err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
