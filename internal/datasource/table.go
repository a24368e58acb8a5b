package datasource

import (
	"fmt"
	"strings"
)

// Table is a single header row plus data rows. Rows are kept as raw cells and
// decoded into column maps on demand.
type Table struct {
	Name    string
	Sheets  []string
	Headers []string
	Notes   []string

	cols  []int // raw column index for each header
	width int   // raw header width, blank columns included
	rows  []rawRow
}

type rawRow struct {
	line  int
	cells []string
	err   error
}

// RowCount returns the number of data rows, malformed rows included.
func (t *Table) RowCount() int {
	return len(t.rows)
}

// Row decodes data row i into a header → value map. Rows the reader could not
// parse, or rows carrying values past the last header, return an error and no
// values.
func (t *Table) Row(i int) (map[string]string, error) {
	if i < 0 || i >= len(t.rows) {
		return nil, fmt.Errorf("row %d out of range", i)
	}
	r := t.rows[i]
	if r.err != nil {
		return nil, r.err
	}
	for j := t.width; j < len(r.cells); j++ {
		if strings.TrimSpace(r.cells[j]) != "" {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", r.line, len(r.cells), t.width)
		}
	}
	out := make(map[string]string, len(t.Headers))
	for h, col := range t.cols {
		v := ""
		if col < len(r.cells) {
			v = r.cells[col]
		}
		out[t.Headers[h]] = v
	}
	return out, nil
}

// Note appends a non-fatal observation.
func (t *Table) Note(format string, args ...any) {
	t.Notes = append(t.Notes, fmt.Sprintf(format, args...))
}

// builder accumulates a header and rows in source order.
type builder struct {
	t      *Table
	header bool
	blank  int
}

func newBuilder(name string, sheets []string) *builder {
	return &builder{t: &Table{Name: name, Sheets: sheets}}
}

// add feeds one record. The first non-empty record becomes the header.
func (b *builder) add(line int, cells []string) {
	if isEmptyRecord(cells) {
		return
	}
	if !b.header {
		b.setHeader(cells)
		return
	}
	b.t.rows = append(b.t.rows, rawRow{line: line, cells: cells})
}

// fail records a row the reader could not decode.
func (b *builder) fail(line int, err error) {
	if !b.header {
		return
	}
	b.t.rows = append(b.t.rows, rawRow{line: line, err: fmt.Errorf("line %d: %w", line, err)})
}

func (b *builder) setHeader(cells []string) {
	b.header = true
	b.t.width = len(cells)
	names := make([]string, len(cells))
	taken := make(map[string]bool, len(cells))
	for i, raw := range cells {
		names[i] = strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		taken[strings.ToLower(names[i])] = true
	}
	used := make(map[string]bool, len(cells))
	for i, name := range names {
		if name == "" {
			b.blank++
			continue
		}
		key := strings.ToLower(name)
		if used[key] {
			// Renamed duplicates must not shadow a header that appears verbatim.
			renamed := name
			for n := 2; taken[key] || used[key]; n++ {
				renamed = fmt.Sprintf("%s_%d", name, n)
				key = strings.ToLower(renamed)
			}
			b.t.Note("duplicate header %q renamed to %q", name, renamed)
			name = renamed
		}
		used[key] = true
		b.t.Headers = append(b.t.Headers, name)
		b.t.cols = append(b.t.cols, i)
	}
}

func (b *builder) table() (*Table, error) {
	if !b.header || len(b.t.Headers) == 0 {
		return nil, fmt.Errorf("no header row found")
	}
	if b.blank > 0 {
		if b.blank == 1 {
			b.t.Note("1 column had a blank header and was skipped")
		} else {
			b.t.Note("%d columns had blank headers and were skipped", b.blank)
		}
	}
	bad := 0
	for _, r := range b.t.rows {
		if r.err != nil {
			bad++
		}
	}
	if bad > 0 {
		b.t.Note("%d rows could not be decoded and will be reported as row failures", bad)
	}
	return b.t, nil
}

func isEmptyRecord(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
