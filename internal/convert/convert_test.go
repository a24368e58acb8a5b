package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

func TestLatencyStats_Percentiles(t *testing.T) {
	stats := NewLatencyStats(time.Hour)
	for _, ms := range []int64{100, 200, 300, 400, 500} {
		stats.Record(time.Duration(ms)*time.Millisecond, false)
	}
	stats.Record(time.Second, true)

	snap := stats.Snapshot()
	if snap.Count != 5 {
		t.Fatalf("expected count=5, got %d", snap.Count)
	}
	if snap.Failures != 1 {
		t.Errorf("expected failures=1, got %d", snap.Failures)
	}
	if snap.MinMs != 100 || snap.MaxMs != 500 {
		t.Errorf("expected min=100 max=500, got min=%d max=%d", snap.MinMs, snap.MaxMs)
	}
	if snap.AvgMs != 300 {
		t.Errorf("expected avg=300, got %f", snap.AvgMs)
	}
	if snap.P50Ms != 300 || snap.P95Ms != 480 || snap.P99Ms != 496 {
		t.Errorf("expected p50/p95/p99 = 300/480/496, got %f/%f/%f", snap.P50Ms, snap.P95Ms, snap.P99Ms)
	}
}

func TestLatencyStats_PrunesWindow(t *testing.T) {
	stats := NewLatencyStats(time.Minute)
	now := time.Now()
	stats.now = func() time.Time { return now }
	stats.Record(100*time.Millisecond, false)

	now = now.Add(2 * time.Minute)
	if snap := stats.Snapshot(); snap.Count != 0 {
		t.Fatalf("expected count=0 after prune, got %d", snap.Count)
	}
	stats.Record(-time.Second, false)
	if snap := stats.Snapshot(); snap.Count != 1 || snap.MinMs != 0 {
		t.Errorf("expected one clamped sample, got %+v", snap)
	}
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		format, want, ext string
		wantErr           bool
	}{
		{"pdf", "libreoffice", ".pdf", false},
		{"DOCX", "passthrough", ".docx", false},
		{" txt ", "text", ".txt", false},
		{"odt", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			c, err := ForFormat(tt.format, Options{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Name() != tt.want || c.Extension() != tt.ext {
				t.Errorf("expected %s/%s, got %s/%s", tt.want, tt.ext, c.Name(), c.Extension())
			}
		})
	}
}

// writeDocx builds a minimal document with one page break.
func writeDocx(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>Dear Ada</w:t></w:r></w:p>` +
		`<w:p><w:r><w:br w:type="page"/></w:r></w:p>` +
		`<w:p><w:r><w:t>Page two</w:t></w:r></w:p>` +
		`</w:body></w:document>`))
	zw.Close()
	path := filepath.Join(dir, "row-00001.docx")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPassthrough(t *testing.T) {
	in := writeDocx(t, t.TempDir())
	out := t.TempDir()
	res, err := Passthrough{}.Convert(context.Background(), in, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Path != filepath.Join(out, "row-00001.docx") {
		t.Errorf("unexpected path %s", res.Path)
	}
	if res.Pages != 2 {
		t.Errorf("expected 2 pages, got %d", res.Pages)
	}
	a, _ := os.ReadFile(in)
	b, _ := os.ReadFile(res.Path)
	if !bytes.Equal(a, b) {
		t.Error("expected output to be a byte copy of the input")
	}
}

func TestText(t *testing.T) {
	in := writeDocx(t, t.TempDir())
	res, err := Text{}.Convert(context.Background(), in, t.TempDir())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, _ := os.ReadFile(res.Path)
	if !strings.Contains(string(data), "Dear Ada") || !strings.Contains(string(data), "Page two") {
		t.Errorf("expected extracted text, got %q", data)
	}
	if res.Pages != 2 {
		t.Errorf("expected 2 pages, got %d", res.Pages)
	}
}

func TestConvert_CancelledContext(t *testing.T) {
	in := writeDocx(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Text{}).Convert(ctx, in, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLibreOffice_MissingBinaryIsRetryable(t *testing.T) {
	lo := NewLibreOffice(filepath.Join(t.TempDir(), "no-such-soffice"), time.Second)
	if err := lo.Available(); err == nil {
		t.Error("expected Available to fail")
	}
	_, err := lo.Convert(context.Background(), writeDocx(t, t.TempDir()), t.TempDir())
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryableError, got %v", err)
	}
}

func TestLibreOffice_Convert(t *testing.T) {
	if _, err := exec.LookPath("soffice"); err != nil {
		t.Skip("soffice not installed")
	}
	lo := NewLibreOffice("soffice", 2*time.Minute)
	res, err := lo.Convert(context.Background(), writeDocx(t, t.TempDir()), t.TempDir())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if filepath.Ext(res.Path) != ".pdf" {
		t.Errorf("expected pdf output, got %s", res.Path)
	}
	if res.Pages != 2 {
		t.Errorf("expected 2 pages, got %d", res.Pages)
	}
}
