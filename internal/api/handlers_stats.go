package api

import (
	"net/http"
)

func (s *Server) handleConvertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"format": s.cfg.OutputFormat,
		"stats":  s.engine.ConvertStats(),
	})
}
