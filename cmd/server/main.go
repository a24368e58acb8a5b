package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nahicyan/docmerge/internal/api"
	"github.com/nahicyan/docmerge/internal/config"
	"github.com/nahicyan/docmerge/internal/convert"
	"github.com/nahicyan/docmerge/internal/events"
	"github.com/nahicyan/docmerge/internal/filestore"
	"github.com/nahicyan/docmerge/internal/pipeline"
	"github.com/nahicyan/docmerge/internal/progress"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not load .env", "error", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage.
	templates, err := filestore.New(filepath.Join(cfg.DataDir, "templates"), cfg.TemplateTTL)
	if err != nil {
		log.Error("template store", "error", err)
		os.Exit(1)
	}
	outputs, err := filestore.New(filepath.Join(cfg.DataDir, "outputs"), cfg.ArtifactTTL)
	if err != nil {
		log.Error("output store", "error", err)
		os.Exit(1)
	}

	// Running entries must outlive the longest job.
	runningTTL := cfg.JobTimeout + cfg.ProgressTTL
	var (
		store progress.Store = progress.NewMemoryStore(runningTTL, cfg.ProgressTTL)
		rdb   *redis.Client
	)
	if cfg.RedisURL != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err = progress.Dial(dialCtx, cfg.RedisURL)
		dialCancel()
		if err != nil {
			log.Warn("redis unavailable, using in-memory progress", "error", err)
		} else {
			store = progress.NewRedisStore(rdb, cfg.RedisPrefix, runningTTL, cfg.ProgressTTL)
			log.Info("progress backed by redis")
		}
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn("nats unavailable, job events disabled", "error", err)
		} else {
			publisher = nc
			log.Info("publishing job events", "subject", cfg.NATSSubject)
		}
	}

	if cfg.OutputFormat == "pdf" {
		if err := convert.NewLibreOffice(cfg.SofficeBin, cfg.ConvertTimeout).Available(); err != nil {
			log.Warn("pdf conversion will fail until soffice is installed", "bin", cfg.SofficeBin, "error", err)
		}
	}

	// Initialize pipeline.
	engine := pipeline.NewEngine(cfg, pipeline.Deps{
		Progress:  store,
		Templates: templates,
		Outputs:   outputs,
		Events:    publisher,
		Stats:     convert.NewLatencyStats(cfg.StatsWindow),
	}, log)
	engine.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(engine, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: cfg.JobTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		engine.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		publisher.Close()
		if rdb != nil {
			rdb.Close()
		}
	}()

	log.Info("starting docmerge", "port", cfg.Port, "format", cfg.OutputFormat)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
