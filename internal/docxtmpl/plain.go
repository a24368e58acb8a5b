package docxtmpl

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fumiama/go-docx"
)

// Stats describes the body structure of a document.
type Stats struct {
	Paragraphs int `json:"paragraphs"`
	Tables     int `json:"tables"`
	PageBreaks int `json:"pageBreaks"`
}

// Pages estimates the page count as one plus the explicit page breaks.
func (s Stats) Pages() int {
	return 1 + s.PageBreaks
}

// Inspect parses the document body with go-docx and counts its structure.
func Inspect(data []byte) (Stats, error) {
	var st Stats
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return st, fmt.Errorf("parse docx: %w", err)
	}
	walkBody(doc.Document.Body.Items, &st, nil)
	return st, nil
}

// PlainText renders the document body as text. Paragraphs end with a newline,
// table cells are tab separated and page breaks become form feeds.
func PlainText(data []byte) (string, Stats, error) {
	var st Stats
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", st, fmt.Errorf("parse docx: %w", err)
	}
	var sb strings.Builder
	walkBody(doc.Document.Body.Items, &st, &sb)
	return sb.String(), st, nil
}

func walkBody(items []interface{}, st *Stats, sb *strings.Builder) {
	for _, it := range items {
		switch o := it.(type) {
		case *docx.Paragraph:
			writeParagraph(o, st, sb)
			if sb != nil {
				sb.WriteByte('\n')
			}
		case *docx.Table:
			writeTable(o, st, sb)
		}
	}
}

func writeTable(t *docx.Table, st *Stats, sb *strings.Builder) {
	st.Tables++
	for _, row := range t.TableRows {
		for i, cell := range row.TableCells {
			if sb != nil && i > 0 {
				sb.WriteByte('\t')
			}
			for j, p := range cell.Paragraphs {
				if sb != nil && j > 0 {
					sb.WriteByte(' ')
				}
				writeParagraph(p, st, sb)
			}
			for _, nested := range cell.Tables {
				writeTable(nested, st, sb)
			}
		}
		if sb != nil {
			sb.WriteByte('\n')
		}
	}
}

func writeParagraph(p *docx.Paragraph, st *Stats, sb *strings.Builder) {
	st.Paragraphs++
	for _, c := range p.Children {
		switch o := c.(type) {
		case *docx.Run:
			writeRun(o, st, sb)
		case *docx.Hyperlink:
			writeRun(&o.Run, st, sb)
		}
	}
}

func writeRun(r *docx.Run, st *Stats, sb *strings.Builder) {
	for _, c := range r.Children {
		switch x := c.(type) {
		case *docx.Text:
			if sb != nil {
				sb.WriteString(x.Text)
			}
		case *docx.Tab:
			if sb != nil {
				sb.WriteByte('\t')
			}
		case *docx.BarterRabbet:
			if x.Type == "page" {
				st.PageBreaks++
				if sb != nil {
					sb.WriteByte('\f')
				}
				continue
			}
			if sb != nil {
				sb.WriteByte('\n')
			}
		}
	}
}
