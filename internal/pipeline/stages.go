package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nahicyan/docmerge/internal/chunker"
	"github.com/nahicyan/docmerge/internal/packager"
	"github.com/nahicyan/docmerge/internal/progress"
)

// renderedDoc is a merged row waiting for conversion.
type renderedDoc struct {
	row  int
	path string
}

// run drives the scheduler, the merge pool and the conversion pool until
// every row has terminated or ctx ends, and returns the converted artifacts
// in completion order.
func (e *Engine) run(ctx context.Context, spec *jobSpec) []packager.Artifact {
	total := spec.rows.Total()
	chunks := make(chan chunker.Chunk, chunker.Config{Workers: spec.mergeWorkers, QueueMult: 2}.QueueCap())
	rendered := make(chan renderedDoc, chunker.Config{Workers: spec.convertWorkers, QueueMult: 2}.QueueCap())

	outDir := filepath.Join(spec.workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		spec.log.Error("create output dir failed", "error", err)
		return nil
	}

	var (
		mu        sync.Mutex
		artifacts []packager.Artifact
	)

	var g errgroup.Group
	g.Go(func() error {
		return chunker.Schedule(ctx, total, spec.chunkSize, chunks)
	})

	var merges sync.WaitGroup
	for range spec.mergeWorkers {
		merges.Add(1)
		g.Go(func() error {
			defer merges.Done()
			e.mergeWorker(ctx, spec, chunks, rendered)
			return nil
		})
	}
	g.Go(func() error {
		merges.Wait()
		close(rendered)
		if ctx.Err() == nil {
			e.setStage(spec.job.ID, progress.StageConverting)
			spec.job.SetStatus(StatusRunning, progress.StageConverting)
		}
		return nil
	})

	for range spec.convertWorkers {
		g.Go(func() error {
			for doc := range rendered {
				if ctx.Err() != nil {
					continue
				}
				a, ok := e.convertRow(ctx, spec, doc, outDir)
				if !ok {
					continue
				}
				mu.Lock()
				artifacts = append(artifacts, a)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		spec.log.Info("scheduler stopped", "reason", context.Cause(ctx))
	}
	return artifacts
}

// mergeWorker renders every row of the chunks it pulls. Each row attempted is
// credited to progress once, whether it succeeded or not.
func (e *Engine) mergeWorker(ctx context.Context, spec *jobSpec, chunks <-chan chunker.Chunk, out chan<- renderedDoc) {
	credit := context.WithoutCancel(ctx)
	for c := range chunks {
		for rec := range spec.rows.Rows(c) {
			if ctx.Err() != nil {
				break
			}
			doc, err := e.mergeRow(spec, rec)
			if _, perr := e.progress.Add(credit, spec.job.ID, 1); perr != nil {
				spec.log.Warn("progress update failed", "row", rec.Index, "error", perr)
			}
			if err != nil {
				spec.log.Warn("row failed", "row", rec.Index+1, "error", err)
				spec.job.RecordRowError(err)
				continue
			}
			select {
			case out <- doc:
			case <-ctx.Done():
			}
		}
	}
}

func (e *Engine) mergeRow(spec *jobSpec, rec Record) (renderedDoc, error) {
	if rec.Err != nil {
		return renderedDoc{}, rec.Err
	}
	values := spec.mapping.Values(rec.Values, e.cfg.DateLayout)
	data, _, err := spec.tmpl.Render(values)
	if err != nil {
		return renderedDoc{}, &RowError{Row: rec.Index, Kind: RowMerge, Err: err}
	}
	path := rowFile(spec.workDir, rec.Index, ".docx")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return renderedDoc{}, &RowError{Row: rec.Index, Kind: RowMerge, Err: fmt.Errorf("write document: %w", err)}
	}
	return renderedDoc{row: rec.Index, path: path}, nil
}

// convertRow converts one document, retrying retryable failures with backoff.
func (e *Engine) convertRow(ctx context.Context, spec *jobSpec, doc renderedDoc, outDir string) (packager.Artifact, bool) {
	retries := max(e.cfg.ConvertRetries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		start := time.Now()
		res, err := spec.conv.Convert(ctx, doc.path, outDir)
		e.stats.Record(time.Since(start), err != nil)
		if err == nil {
			return packager.Artifact{Row: doc.row, Path: res.Path, Pages: res.Pages}, true
		}
		lastErr = err
		if ctx.Err() != nil {
			return packager.Artifact{}, false
		}
		if !IsRetryable(err) || attempt == retries {
			break
		}
		spec.log.Warn("retryable conversion error", "row", doc.row+1, "attempt", attempt, "error", err)
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			return packager.Artifact{}, false
		}
	}
	rerr := &RowError{Row: doc.row, Kind: RowConvert, Err: lastErr}
	spec.log.Warn("row failed", "row", doc.row+1, "error", rerr)
	spec.job.RecordRowError(rerr)
	return packager.Artifact{}, false
}
