// Package convert turns rendered per-row DOCX files into the requested output
// format.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Result is a converted file and its page count.
type Result struct {
	Path  string
	Pages int
}

// Converter converts one rendered DOCX into outDir.
type Converter interface {
	// Name identifies the backend in logs and stats.
	Name() string
	// Format is the output format name, e.g. "pdf".
	Format() string
	// Extension is the output file extension including the dot.
	Extension() string
	Convert(ctx context.Context, input, outDir string) (Result, error)
}

// Formats lists the supported output formats.
var Formats = []string{"pdf", "docx", "txt"}

// Options configures the converters returned by ForFormat.
type Options struct {
	SofficeBin string
	Timeout    time.Duration
}

// ForFormat returns the converter for an output format.
func ForFormat(format string, opts Options) (Converter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pdf":
		return NewLibreOffice(opts.SofficeBin, opts.Timeout), nil
	case "docx":
		return Passthrough{}, nil
	case "txt":
		return Text{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %q", format)
	}
}

// RetryableError marks a conversion failure that may succeed on another try.
type RetryableError struct {
	Err    error
	Output string
}

func (e *RetryableError) Error() string {
	msg := "converter produced no output"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += " (" + truncate(e.Output, 200) + ")"
	}
	return msg
}

func (e *RetryableError) Unwrap() error { return e.Err }

func outputPath(input, outDir, ext string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(outDir, base+ext)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
