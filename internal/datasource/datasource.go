package datasource

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrSheetNotFound is returned when the requested sheet does not exist.
var ErrSheetNotFound = errors.New("sheet not found")

// Options pins one sheet of a multi-table source and hints the text encoding.
type Options struct {
	SheetName  string
	SheetIndex *int
	Encoding   string
}

// Reader loads one table from raw data source bytes.
type Reader interface {
	Read(data []byte, opts Options) (*Table, error)
}

// SupportedExtensions lists data source extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".csv":      true,
	".tsv":      true,
	".txt":      true,
	".xlsx":     true,
	".xlsm":     true,
	".html":     true,
	".htm":      true,
	".md":       true,
	".markdown": true,
}

// ForFile returns the appropriate reader for a filename.
func ForFile(filename string) (Reader, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv", ".txt":
		return &CSVReader{}, nil
	case ".tsv":
		return &CSVReader{Comma: '\t'}, nil
	case ".xlsx", ".xlsm":
		return &XLSXReader{}, nil
	case ".html", ".htm":
		return &HTMLReader{}, nil
	case ".md", ".markdown":
		return &MarkdownReader{}, nil
	default:
		return nil, fmt.Errorf("unsupported data source extension: %s", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}

// Load picks a reader by filename and reads one table.
func Load(data []byte, filename string, opts Options) (*Table, error) {
	r, err := ForFile(filename)
	if err != nil {
		return nil, err
	}
	return r.Read(data, opts)
}

// pickSheet resolves the sheet to load: by name if given, else by index, else the first.
func pickSheet(names []string, opts Options) (int, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("no tables found")
	}
	if opts.SheetName != "" {
		for i, n := range names {
			if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(opts.SheetName)) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %q (available: %s)", ErrSheetNotFound, opts.SheetName, strings.Join(names, ", "))
	}
	if opts.SheetIndex != nil {
		idx := *opts.SheetIndex
		if idx < 0 || idx >= len(names) {
			return 0, fmt.Errorf("%w: index %d out of range (0-%d)", ErrSheetNotFound, idx, len(names)-1)
		}
		return idx, nil
	}
	return 0, nil
}
