package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nahicyan/docmerge/internal/datasource"
)

var errTooLarge = errors.New("file too large")

// parseForm caps the body and parses a multipart upload. The caller must
// call r.MultipartForm.RemoveAll when err is nil.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.cfg.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return fmt.Errorf("invalid multipart form: %w", err)
	}
	return nil
}

// formFile reads the first present file among fields. A missing file returns
// nil data and an empty name.
func (s *Server) formFile(r *http.Request, fields ...string) ([]byte, string, error) {
	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", field, err)
		}
		data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
		file.Close()
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", field, err)
		}
		if int64(len(data)) > s.cfg.MaxUploadBytes {
			return nil, "", fmt.Errorf("%s: %w (max %d bytes)", field, errTooLarge, s.cfg.MaxUploadBytes)
		}
		return data, sanitizeFilename(header.Filename), nil
	}
	return nil, "", nil
}

// uploads reads the template and data source files shared by analyze and
// generate. The legacy "csv" field is accepted for the data source.
func (s *Server) uploads(w http.ResponseWriter, r *http.Request) (tmpl []byte, data []byte, dataName string, ok bool) {
	var err error
	tmpl, _, err = s.formFile(r, "template")
	if err == nil {
		data, dataName, err = s.formFile(r, "data", "csv")
	}
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		jsonError(w, err.Error(), code)
		return nil, nil, "", false
	}
	return tmpl, data, dataName, true
}

// sourceOptions reads the sheet and encoding hints.
func sourceOptions(r *http.Request) (datasource.Options, error) {
	opts := datasource.Options{
		SheetName: strings.TrimSpace(r.FormValue("sheetName")),
		Encoding:  strings.TrimSpace(r.FormValue("encoding")),
	}
	if v := strings.TrimSpace(r.FormValue("sheetIndex")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("sheetIndex must be a non-negative integer")
		}
		opts.SheetIndex = &n
	}
	return opts, nil
}

// intField parses the first non-empty field among names. Empty yields 0.
func intField(r *http.Request, names ...string) (int, error) {
	for _, name := range names {
		v := strings.TrimSpace(r.FormValue(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return n, nil
	}
	return 0, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{"success": false, "message": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
