package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nahicyan/docmerge/internal/config"
	"github.com/nahicyan/docmerge/internal/pipeline"
)

// Server is the HTTP API server for docmerge.
type Server struct {
	router chi.Router
	engine *pipeline.Engine
	log    *slog.Logger
	cfg    config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(engine *pipeline.Engine, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		engine: engine,
		log:    log,
		cfg:    cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	r.Get(s.cfg.DownloadPrefix+"/{fileName}", s.handleDownload)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
		}

		r.Post("/api/merge/analyze", s.handleAnalyze)
		r.Post("/api/merge/generate", s.handleGenerate)
		r.Get("/api/merge/progress/{progressID}", s.handleProgress)
		r.Get("/api/merge/jobs/{progressID}", s.handleJob)
		r.Post("/api/merge/jobs/{progressID}/cancel", s.handleCancel)
		r.Get("/api/stats/convert", s.handleConvertStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
