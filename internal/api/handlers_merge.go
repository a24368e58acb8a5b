package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nahicyan/docmerge/internal/mapping"
	"github.com/nahicyan/docmerge/internal/pipeline"
	"github.com/nahicyan/docmerge/internal/progress"
)

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	tmpl, data, dataName, ok := s.uploads(w, r)
	if !ok {
		return
	}
	opts, err := sourceOptions(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	a, err := s.engine.Analyze(r.Context(), pipeline.AnalyzeRequest{
		Template: tmpl,
		Data:     data,
		DataName: dataName,
		Source:   opts,
	})
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	resp := map[string]any{
		"success":           true,
		"templateVariables": a.Placeholders,
		"csvHeaders":        a.Headers,
		"notes":             a.Notes,
		"templateId":        a.TemplateID,
		"templateSource":    a.TemplateSource,
		"templateStats":     a.TemplateStats,
		"rowCount":          a.RowCount,
		"sheetName":         a.SheetName,
		"sheets":            a.Sheets,
		"suggestedMapping":  a.Suggested,
		"unmappedCount":     len(a.Report.Unmapped),
	}
	if msg := analyzeMessage(a.Report); msg != "" {
		resp["message"] = msg
	}
	writeJSON(w, http.StatusOK, resp)
}

func analyzeMessage(rep mapping.Report) string {
	var parts []string
	if n := len(rep.Unmapped); n > 0 {
		parts = append(parts, fmt.Sprintf("%d placeholder(s) need a mapping: %s", n, strings.Join(rep.Unmapped, ", ")))
	}
	parts = append(parts, rep.Problems...)
	return strings.Join(parts, "; ")
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	tmpl, data, dataName, ok := s.uploads(w, r)
	if !ok {
		return
	}
	req, err := generateRequest(r, time.Now())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Template = tmpl
	req.Data = data
	req.DataName = dataName

	res, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, err, res)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"progressId":  res.ProgressID,
		"fileName":    res.FileName,
		"downloadUrl": res.DownloadURL,
		"stats":       res.Stats,
		"message":     res.Message,
		"rowErrors":   res.RowErrors,
	})
}

// generateRequest reads the non-file fields of a generate call.
func generateRequest(r *http.Request, now time.Time) (pipeline.GenerateRequest, error) {
	req := pipeline.GenerateRequest{
		TemplateID: strings.TrimSpace(r.FormValue("templateId")),
		ProgressID: strings.TrimSpace(r.FormValue("progressId")),
		Format:     strings.TrimSpace(r.FormValue("format")),
	}

	var err error
	if req.Source, err = sourceOptions(r); err != nil {
		return req, err
	}
	if raw := strings.TrimSpace(r.FormValue("mapping")); raw != "" {
		if req.Mapping, err = mapping.Decode([]byte(raw), now); err != nil {
			return req, fmt.Errorf("invalid mapping: %w", err)
		}
	}
	if req.ChunkSize, err = intField(r, "chunkSize"); err != nil {
		return req, err
	}
	if req.MergeWorkers, err = intField(r, "mergeWorkers", "genWorkers"); err != nil {
		return req, err
	}
	if req.ConvertWorkers, err = intField(r, "convertWorkers", "convWorkers"); err != nil {
		return req, err
	}
	secs, err := intField(r, "timeoutSeconds")
	if err != nil {
		return req, err
	}
	if secs < 0 {
		return req, fmt.Errorf("timeoutSeconds must not be negative")
	}
	req.Timeout = time.Duration(secs) * time.Second
	return req, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *pipeline.ValidationError
	var perr *pipeline.PackagingError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, progress.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrJobTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrJobCancelled):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a failed analyze or generate call. Jobs that started
// carry their partial stats and row errors.
func (s *Server) writeError(w http.ResponseWriter, err error, res *pipeline.GenerateResult) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("merge request failed", "status", code, "error", err)
	}
	resp := map[string]any{"success": false, "message": err.Error()}
	if res != nil {
		if res.Message != "" {
			resp["message"] = res.Message
		}
		resp["progressId"] = res.ProgressID
		resp["stats"] = res.Stats
		resp["rowErrors"] = res.RowErrors
	}
	writeJSON(w, code, resp)
}
