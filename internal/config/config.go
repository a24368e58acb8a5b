package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	// Auth
	APIKey string

	// Storage
	DataDir        string
	DownloadPrefix string

	// Upload limits
	MaxUploadBytes int64

	// Pipeline defaults
	DefaultChunkSize int
	MergeWorkers     int
	ConvertWorkers   int
	MaxWorkers       int
	OutputFormat     string
	DateLayout       string

	// Conversion
	SofficeBin     string
	ConvertTimeout time.Duration
	ConvertRetries int
	StatsWindow    time.Duration

	// Lifetimes
	JobTimeout    time.Duration
	JobTTL        time.Duration
	ProgressTTL   time.Duration
	TemplateTTL   time.Duration
	ArtifactTTL   time.Duration
	SweepInterval time.Duration

	// Optional backends
	RedisURL    string
	RedisPrefix string
	NATSURL     string
	NATSSubject string
}

func Load() Config {
	workers := defaultWorkers()

	cfg := Config{
		Port: envOr("PORT", "8090"),

		APIKey: os.Getenv("API_KEY"),

		DataDir:        envOr("DATA_DIR", "./data"),
		DownloadPrefix: envOr("DOWNLOAD_PREFIX", "/downloads"),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB

		DefaultChunkSize: envInt("DEFAULT_CHUNK_SIZE", 200),
		MergeWorkers:     envInt("MERGE_WORKERS", workers),
		ConvertWorkers:   envInt("CONVERT_WORKERS", workers),
		MaxWorkers:       envInt("MAX_WORKERS", 32),
		OutputFormat:     strings.ToLower(envOr("OUTPUT_FORMAT", "pdf")),
		DateLayout:       envOr("MERGE_DATE_LAYOUT", "January 2, 2006"),

		SofficeBin:     envOr("SOFFICE_BIN", "soffice"),
		ConvertTimeout: envDuration("CONVERT_TIMEOUT", 2*time.Minute),
		ConvertRetries: envInt("CONVERT_RETRIES", 2),
		StatsWindow:    envDuration("STATS_WINDOW", 1*time.Hour),

		JobTimeout:    envDuration("JOB_TIMEOUT", 1*time.Hour),
		JobTTL:        envDuration("JOB_TTL", 1*time.Hour),
		ProgressTTL:   envDuration("PROGRESS_TTL", 1*time.Hour),
		TemplateTTL:   envDuration("TEMPLATE_TTL", 24*time.Hour),
		ArtifactTTL:   envDuration("ARTIFACT_TTL", 24*time.Hour),
		SweepInterval: envDuration("SWEEP_INTERVAL", 5*time.Minute),

		RedisURL:    os.Getenv("REDIS_URL"),
		RedisPrefix: envOr("REDIS_PREFIX", "docmerge:"),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: envOr("NATS_SUBJECT", "docmerge.jobs"),
	}

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 200
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 32
	}
	if cfg.MergeWorkers <= 0 {
		cfg.MergeWorkers = workers
	}
	if cfg.ConvertWorkers <= 0 {
		cfg.ConvertWorkers = workers
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 2 * time.Minute
	}
	if cfg.ConvertRetries < 0 {
		cfg.ConvertRetries = 0
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 1 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 1 * time.Hour
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 1 * time.Hour
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = 1 * time.Hour
	}
	if cfg.TemplateTTL <= 0 {
		cfg.TemplateTTL = 24 * time.Hour
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	return cfg
}

func (c Config) Validate() error {
	switch c.OutputFormat {
	case "pdf", "docx", "txt":
	default:
		return fmt.Errorf("OUTPUT_FORMAT must be one of pdf, docx, txt (got %q)", c.OutputFormat)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if !strings.HasPrefix(c.DownloadPrefix, "/") {
		return fmt.Errorf("DOWNLOAD_PREFIX must start with /")
	}
	if c.MergeWorkers > c.MaxWorkers || c.ConvertWorkers > c.MaxWorkers {
		return fmt.Errorf("worker counts must not exceed MAX_WORKERS (%d)", c.MaxWorkers)
	}
	return nil
}

// ClampWorkers bounds a caller-supplied worker count to [1, MaxWorkers],
// falling back to def when n is not positive.
func (c Config) ClampWorkers(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n > c.MaxWorkers {
		n = c.MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

func defaultWorkers() int {
	return max(1, runtime.NumCPU()/2)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
