package convert

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nahicyan/docmerge/internal/docxtmpl"
)

// Passthrough keeps the rendered DOCX as the output.
type Passthrough struct{}

func (Passthrough) Name() string      { return "passthrough" }
func (Passthrough) Format() string    { return "docx" }
func (Passthrough) Extension() string { return ".docx" }

func (p Passthrough) Convert(ctx context.Context, input, outDir string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	st, err := docxtmpl.Inspect(data)
	if err != nil {
		return Result{}, err
	}
	dst := outputPath(input, outDir, p.Extension())
	if dst != input {
		if err := copyFile(input, dst); err != nil {
			return Result{}, err
		}
	}
	return Result{Path: dst, Pages: st.Pages()}, nil
}

// Text extracts the document body as UTF-8 plain text.
type Text struct{}

func (Text) Name() string      { return "text" }
func (Text) Format() string    { return "txt" }
func (Text) Extension() string { return ".txt" }

func (t Text) Convert(ctx context.Context, input, outDir string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	text, st, err := docxtmpl.PlainText(data)
	if err != nil {
		return Result{}, err
	}
	dst := outputPath(input, outDir, t.Extension())
	if err := os.WriteFile(dst, []byte(text), 0o644); err != nil {
		return Result{}, fmt.Errorf("write text: %w", err)
	}
	return Result{Path: dst, Pages: st.Pages()}, nil
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
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
