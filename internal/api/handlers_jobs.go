package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nahicyan/docmerge/internal/filestore"
	"github.com/nahicyan/docmerge/internal/pipeline"
	"github.com/nahicyan/docmerge/internal/progress"
)

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	id := chi.URLParam(r, "progressID")
	st, err := s.engine.Progress(r.Context(), id)
	if errors.Is(err, progress.ErrNotFound) {
		jsonError(w, "unknown progress id", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("progress lookup failed", "progress_id", id, "error", err)
		jsonError(w, "progress unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": st.Processed,
		"total":     st.Total,
		"percent":   st.Percent,
		"done":      st.Done,
		"stage":     st.Stage,
		"failed":    st.Failed,
		"message":   st.Message,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	job := s.engine.GetJob(chi.URLParam(r, "progressID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     job.Snapshot(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "progressID")
	switch err := s.engine.Cancel(id); {
	case errors.Is(err, pipeline.ErrJobNotFound):
		jsonError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrJobFinished):
		jsonError(w, "job already finished", http.StatusConflict)
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":    true,
			"progressId": id,
			"message":    "cancellation requested",
		})
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "fileName")
	path, err := s.engine.ArtifactPath(name)
	if errors.Is(err, filestore.ErrNotFound) || errors.Is(err, filestore.ErrInvalidName) {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("download lookup failed", "file", name, "error", err)
		jsonError(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}
