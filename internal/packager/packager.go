// Package packager assembles per-row artifacts into the single downloadable
// result of a job.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/nahicyan/docmerge/internal/filestore"
)

// ErrNoArtifacts is returned when there is nothing to package.
var ErrNoArtifacts = errors.New("no documents were generated")

// Artifact is one converted row.
type Artifact struct {
	Row   int
	Path  string
	Pages int
}

// Result describes the packaged file.
type Result struct {
	FileName  string
	Path      string
	PageCount int
	Documents int
}

// Packager writes packaged results into an output store.
type Packager struct {
	out *filestore.Store
	now func() time.Time
}

func New(out *filestore.Store) *Packager {
	return &Packager{out: out, now: time.Now}
}

// FileName returns merged-<yyyymmdd-hhmmss>-<8 hex><ext>.
func FileName(now time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("merged-%s-%s%s", now.Format("20060102-150405"), suffix, ext)
}

// Package orders artifacts by row and assembles them in workDir. PDFs are
// merged into one document; any other format is zipped with one entry per
// row.
func (p *Packager) Package(ctx context.Context, format, workDir string, artifacts []Artifact) (Result, error) {
	if len(artifacts) == 0 {
		return Result{}, ErrNoArtifacts
	}
	sorted := slices.Clone(artifacts)
	slices.SortFunc(sorted, func(a, b Artifact) int { return a.Row - b.Row })

	pages := 0
	for _, a := range sorted {
		pages += a.Pages
	}

	var (
		tmp string
		ext string
		err error
	)
	if format == "pdf" {
		ext = ".pdf"
		tmp, err = mergePDF(ctx, workDir, sorted)
		if err == nil {
			if n, cerr := api.PageCountFile(tmp); cerr == nil && n > 0 {
				pages = n
			}
		}
	} else {
		ext = ".zip"
		tmp, err = writeZip(ctx, workDir, "."+format, sorted)
	}
	if err != nil {
		return Result{}, err
	}

	name := FileName(p.now(), ext)
	if err := p.out.Import(tmp, name); err != nil {
		return Result{}, fmt.Errorf("store result: %w", err)
	}
	path, err := p.out.Path(name)
	if err != nil {
		return Result{}, fmt.Errorf("store result: %w", err)
	}
	return Result{FileName: name, Path: path, PageCount: pages, Documents: len(sorted)}, nil
}

func mergePDF(ctx context.Context, workDir string, artifacts []Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := filepath.Join(workDir, "merged.pdf")
	if len(artifacts) == 1 {
		if err := copyFile(artifacts[0].Path, out); err != nil {
			return "", err
		}
		return out, nil
	}
	in := make([]string, len(artifacts))
	for i, a := range artifacts {
		in[i] = a.Path
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.MergeCreateFile(in, out, false, conf); err != nil {
		return "", fmt.Errorf("merge pdf: %w", err)
	}
	return out, nil
}

// EntryName returns the archive entry for a zero-based row index.
func EntryName(row int, ext string) string {
	return fmt.Sprintf("row-%05d%s", row+1, ext)
}

func writeZip(ctx context.Context, workDir, ext string, artifacts []Artifact) (string, error) {
	out := filepath.Join(workDir, "merged.zip")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := addEntry(zw, EntryName(a.Row, ext), a.Path); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return out, nil
}

func addEntry(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
