package pipeline

import (
	"iter"

	"github.com/nahicyan/docmerge/internal/chunker"
	"github.com/nahicyan/docmerge/internal/datasource"
)

// Record is one data row. Err is a decode RowError when the row could not be
// read; Values is nil in that case.
type Record struct {
	Index  int
	Values map[string]string
	Err    error
}

// RowSource yields the rows of one table by chunk. Rows are decoded lazily.
type RowSource struct {
	table *datasource.Table
}

func NewRowSource(t *datasource.Table) *RowSource {
	return &RowSource{table: t}
}

// Total is the row count, malformed rows included.
func (s *RowSource) Total() int {
	return s.table.RowCount()
}

// Rows iterates the records in c in index order.
func (s *RowSource) Rows(c chunker.Chunk) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for i := c.Start; i < c.End && i < s.Total(); i++ {
			values, err := s.table.Row(i)
			rec := Record{Index: i, Values: values}
			if err != nil {
				rec = Record{Index: i, Err: &RowError{Row: i, Kind: RowDecode, Err: err}}
			}
			if !yield(rec) {
				return
			}
		}
	}
}
