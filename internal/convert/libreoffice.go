package convert

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ledongthuc/pdf"
)

// LibreOffice converts DOCX to PDF with a headless soffice process. Every
// call gets its own user profile so concurrent calls do not contend on the
// profile lock.
type LibreOffice struct {
	bin     string
	timeout time.Duration
}

func NewLibreOffice(bin string, timeout time.Duration) *LibreOffice {
	if bin == "" {
		bin = "soffice"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LibreOffice{bin: bin, timeout: timeout}
}

func (l *LibreOffice) Name() string      { return "libreoffice" }
func (l *LibreOffice) Format() string    { return "pdf" }
func (l *LibreOffice) Extension() string { return ".pdf" }

// Available reports whether the soffice binary can be found.
func (l *LibreOffice) Available() error {
	if _, err := exec.LookPath(l.bin); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", l.bin, err)
	}
	return nil
}

func (l *LibreOffice) Convert(ctx context.Context, input, outDir string) (Result, error) {
	profile, err := os.MkdirTemp("", "docmerge-lo-")
	if err != nil {
		return Result{}, fmt.Errorf("create profile dir: %w", err)
	}
	defer os.RemoveAll(profile)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	args := []string{
		"--headless",
		"--norestore",
		"--invisible",
		"-env:UserInstallation=" + (&url.URL{Scheme: "file", Path: filepath.ToSlash(profile)}).String(),
		"--convert-to", "pdf:writer_pdf_Export",
		"--outdir", outDir,
		input,
	}
	cmd := exec.CommandContext(ctx, l.bin, args...)
	cmd.Env = append(os.Environ(), "HOME="+profile)
	out, runErr := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("soffice: %w", ctx.Err())
	}

	dst := outputPath(input, outDir, l.Extension())
	if _, err := os.Stat(dst); err != nil {
		return Result{}, &RetryableError{Err: runErr, Output: string(out)}
	}
	pages, err := PDFPages(dst)
	if err != nil {
		return Result{}, fmt.Errorf("count pages: %w", err)
	}
	return Result{Path: dst, Pages: pages}, nil
}

// PDFPages returns the page count of a PDF file.
func PDFPages(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	return r.NumPage(), nil
}
