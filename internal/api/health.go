package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Jobs   int    `json:"jobs"`
	Tools  int    `json:"tools"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.manager.State()
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Jobs: st.Jobs, Tools: len(st.Tools)})
}
