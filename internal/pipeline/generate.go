package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nahicyan/docmerge/internal/convert"
	"github.com/nahicyan/docmerge/internal/datasource"
	"github.com/nahicyan/docmerge/internal/docxtmpl"
	"github.com/nahicyan/docmerge/internal/events"
	"github.com/nahicyan/docmerge/internal/mapping"
	"github.com/nahicyan/docmerge/internal/packager"
	"github.com/nahicyan/docmerge/internal/progress"
)

// GenerateRequest carries the inputs and tunables of a generate call. Zero
// tunables fall back to configured defaults. A nil Mapping is auto-mapped.
type GenerateRequest struct {
	Template   []byte
	TemplateID string
	Data       []byte
	DataName   string
	Source     datasource.Options
	Mapping    mapping.Mapping

	ProgressID     string
	ChunkSize      int
	MergeWorkers   int
	ConvertWorkers int
	Format         string
	Timeout        time.Duration
}

// GenerateResult is the outcome of a job. It is returned alongside fatal
// errors raised after the job started so partial stats can be reported.
type GenerateResult struct {
	ProgressID  string
	FileName    string
	DownloadURL string
	Stats       Stats
	Message     string
	RowErrors   []string
}

// jobSpec is the validated, immutable input of one pipeline run.
type jobSpec struct {
	job            *Job
	tmpl           *docxtmpl.Template
	rows           *RowSource
	mapping        mapping.Mapping
	names          []string
	conv           convert.Converter
	chunkSize      int
	mergeWorkers   int
	convertWorkers int
	workDir        string
	log            *slog.Logger
}

// Generate validates the request, runs the merge and conversion pools and
// packages the result. The job is detached from ctx cancellation; it stops
// only on Cancel, its timeout or engine shutdown.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if !e.acquire() {
		return nil, ErrShuttingDown
	}
	defer e.running.Done()

	spec, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	job := spec.job
	log := spec.log
	total := spec.rows.Total()

	if err := e.progress.Start(ctx, job.ID, total); err != nil {
		if errors.Is(err, progress.ErrDuplicateID) {
			return nil, fmt.Errorf("progress id %q: %w", job.ID, err)
		}
		return nil, fmt.Errorf("start progress: %w", err)
	}

	timeout := e.cfg.JobTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	release := context.AfterFunc(e.base, func() { cancel(context.Cause(e.base)) })
	defer release()
	jobCtx, stop := context.WithTimeoutCause(jobCtx, timeout, ErrJobTimeout)
	defer stop()

	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()
	e.jobs.Put(job)

	workDir, err := os.MkdirTemp(e.cfg.DataDir, "work-")
	if err != nil {
		err = fmt.Errorf("create work dir: %w", err)
		e.finish(job, total, nil, err)
		return e.result(job), err
	}
	defer os.RemoveAll(workDir)
	spec.workDir = workDir

	job.SetStatus(StatusRunning, progress.StageMerging)
	e.setStage(job.ID, progress.StageMerging)
	e.publish(events.JobEvent{ProgressID: job.ID, Stage: events.JobStarted, Total: total})
	log.Info("job started", "rows", total, "format", spec.conv.Format(),
		"chunk_size", spec.chunkSize, "merge_workers", spec.mergeWorkers, "convert_workers", spec.convertWorkers)

	start := time.Now()
	artifacts := e.run(jobCtx, spec)

	found := len(spec.names)
	mapped := 0
	for _, n := range spec.names {
		if spec.mapping.Bound(n) {
			mapped++
		}
	}
	pages := 0
	for _, a := range artifacts {
		pages += a.Pages
	}
	job.setCounts(total, len(artifacts), pages, found, mapped)

	if stopped(jobCtx) {
		cause := context.Cause(jobCtx)
		e.finish(job, total, nil, cause)
		log.Warn("job stopped", "reason", cause, "succeeded", len(artifacts), "elapsed", time.Since(start))
		return e.result(job), cause
	}

	e.setStage(job.ID, progress.StagePackaging)
	job.SetStatus(StatusRunning, progress.StagePackaging)
	res, err := e.packager.Package(jobCtx, spec.conv.Format(), workDir, artifacts)
	if err != nil && stopped(jobCtx) {
		cause := context.Cause(jobCtx)
		e.finish(job, total, nil, cause)
		log.Warn("job stopped while packaging", "reason", cause)
		return e.result(job), cause
	}
	if err != nil {
		perr := &PackagingError{Reason: "packaging failed", Err: err}
		if errors.Is(err, packager.ErrNoArtifacts) {
			perr = &PackagingError{Reason: "no documents were generated", Err: firstRowError(job)}
		}
		e.finish(job, total, nil, perr)
		log.Error("job failed", "error", perr)
		return e.result(job), perr
	}
	job.setCounts(total, len(artifacts), res.PageCount, found, mapped)

	e.finish(job, total, &res, nil)
	log.Info("job completed", "file", res.FileName, "pages", res.PageCount,
		"succeeded", len(artifacts), "elapsed", time.Since(start))
	return e.result(job), nil
}

// prepare validates the request and resolves defaults.
func (e *Engine) prepare(req GenerateRequest) (*jobSpec, error) {
	tmplBytes, templateID, err := e.loadTemplate(req.Template, req.TemplateID)
	if err != nil {
		return nil, err
	}
	tmpl, _, err := openTemplate(tmplBytes)
	if err != nil {
		return nil, err
	}
	names := tmpl.Names()
	if len(names) == 0 {
		return nil, invalidf("template contains no placeholders")
	}
	table, err := loadTable(req.Data, req.DataName, req.Source)
	if err != nil {
		return nil, err
	}
	if table.RowCount() == 0 {
		return nil, invalidf("data source has no data rows")
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = e.cfg.OutputFormat
	}
	conv, err := e.converters(format)
	if err != nil {
		return nil, invalidf("%v", err)
	}

	m := req.Mapping
	if m == nil {
		m = mapping.AutoMap(names, table.Headers, e.now())
	}
	m = m.Clone()

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.cfg.DefaultChunkSize
	}

	id := strings.TrimSpace(req.ProgressID)
	if id == "" {
		id = "job-" + uuid.NewString()
	}

	job := newJob(id)
	job.Format = format
	job.TemplateID = templateID
	job.DataName = req.DataName

	log := e.log.With("progress_id", id)
	if report := m.Validate(names, table.Headers); len(report.Problems) > 0 || !report.Complete {
		log.Warn("mapping incomplete", "unmapped", report.Unmapped, "problems", report.Problems)
	}
	if !m.UsesColumns() {
		log.Info("mapping reads no columns; every document will be identical", "rows", table.RowCount())
	}

	return &jobSpec{
		job:            job,
		tmpl:           tmpl,
		rows:           NewRowSource(table),
		mapping:        m,
		names:          names,
		conv:           conv,
		chunkSize:      chunkSize,
		mergeWorkers:   e.cfg.ClampWorkers(req.MergeWorkers, e.cfg.MergeWorkers),
		convertWorkers: e.cfg.ClampWorkers(req.ConvertWorkers, e.cfg.ConvertWorkers),
		log:            log,
	}, nil
}

// finish records the terminal state on the job, the progress entry and the
// event stream. Exactly one of res and err is non-nil.
func (e *Engine) finish(job *Job, total int, res *packager.Result, err error) {
	snap := job.Snapshot()
	ev := events.JobEvent{
		ProgressID: job.ID,
		Processed:  snap.Stats.RowsSucceeded + snap.Stats.RowsFailed,
		Total:      total,
		Failed:     snap.Stats.RowsFailed,
	}
	var message string
	if err != nil {
		message = failureMessage(err, snap.Stats)
		job.fail(err, message)
		ev.Stage = events.JobFailed
	} else {
		message = summary(snap.Stats, snap.RowErrors)
		url := e.DownloadURL(res.FileName)
		job.complete(res.FileName, url, message)
		ev.Stage = events.JobCompleted
		ev.DownloadURL = url
	}
	ev.Message = message

	if ferr := e.progress.Finish(context.Background(), job.ID, err != nil, message); ferr != nil {
		e.log.Warn("progress finish failed", "progress_id", job.ID, "error", ferr)
	}
	e.publish(ev)
}

func (e *Engine) result(job *Job) *GenerateResult {
	snap := job.Snapshot()
	return &GenerateResult{
		ProgressID:  snap.ID,
		FileName:    snap.FileName,
		DownloadURL: snap.DownloadURL,
		Stats:       snap.Stats,
		Message:     snap.Message,
		RowErrors:   snap.RowErrors,
	}
}

func (e *Engine) setStage(id, stage string) {
	if err := e.progress.SetStage(context.Background(), id, stage); err != nil {
		e.log.Warn("progress stage update failed", "progress_id", id, "error", err)
	}
}

// summary renders e.g. "Generated 4 of 5 documents; 1 row failed (row 3: merge: ...)".
func summary(st Stats, rowErrors []string) string {
	msg := fmt.Sprintf("Generated %d of %d documents", st.RowsSucceeded, st.RowsTotal)
	if st.RowsFailed == 0 {
		return msg
	}
	noun := "rows"
	if st.RowsFailed == 1 {
		noun = "row"
	}
	msg += fmt.Sprintf("; %d %s failed", st.RowsFailed, noun)
	if len(rowErrors) > 0 {
		msg += " (" + rowErrors[0] + ")"
	}
	return msg
}

func failureMessage(err error, st Stats) string {
	switch {
	case errors.Is(err, ErrJobCancelled):
		return fmt.Sprintf("Job cancelled after %d of %d rows", st.RowsSucceeded+st.RowsFailed, st.RowsTotal)
	case errors.Is(err, ErrJobTimeout):
		return fmt.Sprintf("Job timed out after %d of %d rows", st.RowsSucceeded+st.RowsFailed, st.RowsTotal)
	default:
		return err.Error()
	}
}

// stopped reports whether the job was cancelled or timed out.
func stopped(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrJobCancelled) || errors.Is(cause, ErrJobTimeout)
}

func firstRowError(job *Job) error {
	snap := job.Snapshot()
	if len(snap.RowErrors) == 0 {
		return nil
	}
	return errors.New(snap.RowErrors[0])
}

func rowFile(dir string, row int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("row-%05d%s", row+1, ext))
}
