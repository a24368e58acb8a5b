package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nahicyan/docmerge/internal/datasource"
	"github.com/nahicyan/docmerge/internal/docxtmpl"
	"github.com/nahicyan/docmerge/internal/filestore"
	"github.com/nahicyan/docmerge/internal/mapping"
)

// AnalyzeRequest carries the uploads of an analyze call.
type AnalyzeRequest struct {
	Template []byte
	Data     []byte
	DataName string
	Source   datasource.Options
}

// Analysis describes a template and data source pair.
type Analysis struct {
	Placeholders   []string
	Headers        []string
	Notes          []string
	TemplateID     string
	TemplateSource string
	TemplateStats  docxtmpl.Stats
	RowCount       int
	SheetName      string
	Sheets         []string
	Suggested      mapping.Mapping
	Report         mapping.Report
}

var sourceNotes = map[string]string{
	"mergefield":   "template uses Word merge fields",
	"angle_tokens": "template uses <<name>> tokens",
	"mixed":        "template mixes Word merge fields and <<name>> tokens",
}

// Analyze inspects the template and data source concurrently and proposes a
// mapping. The template is kept in the template store so that a later
// generate call can refer to it by id.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	var (
		tmpl  *docxtmpl.Template
		stats docxtmpl.Stats
		table *datasource.Table
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tmpl, stats, err = openTemplate(req.Template)
		return err
	})
	g.Go(func() error {
		var err error
		table, err = loadTable(req.Data, req.DataName, req.Source)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := tmpl.Names()
	if len(names) == 0 {
		return nil, invalidf("template contains no placeholders")
	}
	if table.RowCount() == 0 {
		return nil, invalidf("data source has no data rows")
	}

	id, err := e.templates.PutContent(req.Template, ".docx")
	if err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}

	notes := append([]string(nil), table.Notes...)
	if n, ok := sourceNotes[tmpl.Source()]; ok {
		notes = append(notes, n)
	}

	suggested := mapping.AutoMap(names, table.Headers, e.now())
	return &Analysis{
		Placeholders:   names,
		Headers:        table.Headers,
		Notes:          notes,
		TemplateID:     id,
		TemplateSource: tmpl.Source(),
		TemplateStats:  stats,
		RowCount:       table.RowCount(),
		SheetName:      table.Name,
		Sheets:         table.Sheets,
		Suggested:      suggested,
		Report:         suggested.Validate(names, table.Headers),
	}, nil
}

func openTemplate(data []byte) (*docxtmpl.Template, docxtmpl.Stats, error) {
	if len(data) == 0 {
		return nil, docxtmpl.Stats{}, invalidf("template file is required")
	}
	tmpl, err := docxtmpl.Open(data)
	if err != nil {
		return nil, docxtmpl.Stats{}, invalidf("template is not a readable DOCX: %v", err)
	}
	stats, err := docxtmpl.Inspect(data)
	if err != nil {
		return nil, docxtmpl.Stats{}, invalidf("template body could not be parsed: %v", err)
	}
	return tmpl, stats, nil
}

func loadTable(data []byte, name string, opts datasource.Options) (*datasource.Table, error) {
	if len(data) == 0 {
		return nil, invalidf("data source file is required")
	}
	if !datasource.IsSupportedExtension(name) {
		return nil, invalidf("unsupported data source type: %q", name)
	}
	t, err := datasource.Load(data, name, opts)
	if errors.Is(err, datasource.ErrSheetNotFound) {
		return nil, invalidf("%v", err)
	}
	if err != nil {
		return nil, invalidf("data source could not be read: %v", err)
	}
	return t, nil
}

// loadTemplate returns the uploaded template or the stored one named by id.
func (e *Engine) loadTemplate(data []byte, id string) ([]byte, string, error) {
	if len(data) > 0 {
		key, err := e.templates.PutContent(data, ".docx")
		if err != nil {
			return nil, "", fmt.Errorf("store template: %w", err)
		}
		return data, key, nil
	}
	if id == "" {
		return nil, "", invalidf("template file or templateId is required")
	}
	b, err := e.templates.Read(id + ".docx")
	if errors.Is(err, filestore.ErrNotFound) || errors.Is(err, filestore.ErrInvalidName) {
		return nil, "", invalidf("unknown templateId %q", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read template: %w", err)
	}
	e.templates.Touch(id + ".docx")
	return b, id, nil
}
