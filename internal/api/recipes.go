package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListRecipes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.RecipeInfoList())
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Recipe(chi.URLParam(r, "idOrName"))
	if err != nil {
		s.writeManagerError(w, r, "get recipe", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.State())
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.State().Tools)
}
