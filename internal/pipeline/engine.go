package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nahicyan/docmerge/internal/config"
	"github.com/nahicyan/docmerge/internal/convert"
	"github.com/nahicyan/docmerge/internal/events"
	"github.com/nahicyan/docmerge/internal/filestore"
	"github.com/nahicyan/docmerge/internal/packager"
	"github.com/nahicyan/docmerge/internal/progress"
)

// Deps are the collaborators an Engine is built from. Nil Events and Stats
// are replaced with no-op defaults; a nil Converters uses convert.ForFormat.
type Deps struct {
	Progress   progress.Store
	Templates  *filestore.Store
	Outputs    *filestore.Store
	Events     events.Publisher
	Stats      *convert.LatencyStats
	Converters func(format string) (convert.Converter, error)
}

// Engine runs analyze and generate requests and owns their shared state.
type Engine struct {
	cfg        config.Config
	log        *slog.Logger
	progress   progress.Store
	jobs       *JobStore
	templates  *filestore.Store
	outputs    *filestore.Store
	packager   *packager.Packager
	events     events.Publisher
	stats      *convert.LatencyStats
	converters func(format string) (convert.Converter, error)
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// base is cancelled by Stop; every job context follows it.
	base     context.Context
	stopJobs context.CancelCauseFunc

	mu       sync.Mutex
	stopping bool
	running  sync.WaitGroup
}

// NewEngine wires an engine. Call Start to run the janitor.
func NewEngine(cfg config.Config, deps Deps, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        log,
		progress:   deps.Progress,
		jobs:       NewJobStore(cfg.JobTTL),
		templates:  deps.Templates,
		outputs:    deps.Outputs,
		packager:   packager.New(deps.Outputs),
		events:     deps.Events,
		stats:      deps.Stats,
		converters: deps.Converters,
		now:        time.Now,
	}
	e.base, e.stopJobs = context.WithCancelCause(context.Background())
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.stats == nil {
		e.stats = convert.NewLatencyStats(cfg.StatsWindow)
	}
	if e.converters == nil {
		opts := convert.Options{SofficeBin: cfg.SofficeBin, Timeout: cfg.ConvertTimeout}
		e.converters = func(format string) (convert.Converter, error) {
			return convert.ForFormat(format, opts)
		}
	}
	return e
}

// Start launches the janitor that sweeps expired jobs, progress entries,
// stored templates and artifacts.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one janitor pass.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	jobs := e.jobs.Cleanup(now)
	entries := e.progress.Sweep(ctx, now)
	templates, err := e.templates.Sweep(now)
	if err != nil {
		e.log.Warn("template sweep failed", "error", err)
	}
	artifacts, err := e.outputs.Sweep(now)
	if err != nil {
		e.log.Warn("artifact sweep failed", "error", err)
	}
	if jobs+entries+templates+artifacts > 0 {
		e.log.Info("sweep complete",
			"jobs", jobs, "progress", entries, "templates", templates, "artifacts", artifacts)
	}
}

// Stop cancels running jobs, waits for them to finish and stops the janitor.
// Generate calls made after Stop fail with ErrShuttingDown.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	if n := len(e.jobs.Running()); n > 0 {
		e.log.Info("cancelling running jobs", "count", n)
	}
	e.stopJobs(ErrJobCancelled)
	e.running.Wait()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// acquire registers a running job unless the engine is stopping.
func (e *Engine) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false
	}
	e.running.Add(1)
	return true
}

// Progress returns the progress entry of a job.
func (e *Engine) Progress(ctx context.Context, id string) (progress.State, error) {
	return e.progress.Get(ctx, id)
}

// GetJob returns a job by progress id.
func (e *Engine) GetJob(id string) *Job {
	return e.jobs.Get(id)
}

// Cancel stops a running job.
func (e *Engine) Cancel(id string) error {
	j := e.jobs.Get(id)
	if j == nil {
		return ErrJobNotFound
	}
	if !j.Cancel() {
		return ErrJobFinished
	}
	e.log.Info("job cancel requested", "progress_id", id)
	return nil
}

// ConvertStats returns conversion latency percentiles.
func (e *Engine) ConvertStats() convert.StatsSnapshot {
	return e.stats.Snapshot()
}

// DownloadURL returns the public path of a packaged file.
func (e *Engine) DownloadURL(fileName string) string {
	return e.cfg.DownloadPrefix + "/" + fileName
}

// ArtifactPath resolves a packaged file name to its location in the output
// store. Unknown or unsafe names return filestore.ErrNotFound or
// filestore.ErrInvalidName.
func (e *Engine) ArtifactPath(fileName string) (string, error) {
	return e.outputs.Path(fileName)
}

func (e *Engine) publish(ev events.JobEvent) {
	ev.HappenedAt = e.now().UTC()
	if err := e.events.Publish(context.Background(), ev); err != nil {
		e.log.Warn("publish event failed", "progress_id", ev.ProgressID, "stage", ev.Stage, "error", err)
	}
}
