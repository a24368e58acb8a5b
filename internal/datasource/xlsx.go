package datasource

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XLSXReader handles Excel workbooks. One sheet is loaded per read.
type XLSXReader struct{}

func (p *XLSXReader) Read(data []byte, opts Options) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	idx, err := pickSheet(sheets, opts)
	if err != nil {
		return nil, err
	}
	name := sheets[idx]

	rows, err := f.Rows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	defer rows.Close()

	b := newBuilder(name, sheets)
	line := 0
	for rows.Next() {
		line++
		cols, err := rows.Columns()
		if err != nil {
			b.fail(line, err)
			continue
		}
		b.add(line, cols)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	return b.table()
}
