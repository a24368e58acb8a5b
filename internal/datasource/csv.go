package datasource

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// CSVReader handles delimited text. A zero Comma sniffs the delimiter from
// the header line.
type CSVReader struct {
	Comma rune
}

func (p *CSVReader) Read(data []byte, opts Options) (*Table, error) {
	text, note, err := decodeText(data, opts.Encoding)
	if err != nil {
		return nil, err
	}
	text = bytes.TrimPrefix(text, []byte("\xef\xbb\xbf"))

	comma := p.Comma
	if comma == 0 {
		comma = sniffDelimiter(text)
	}

	reader := csv.NewReader(bytes.NewReader(text))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	b := newBuilder("csv", []string{"csv"})
	if note != "" {
		b.t.Note("%s", note)
	}
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				b.fail(pe.StartLine, pe.Err)
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		b.add(line, rec)
	}
	return b.table()
}

// decodeText converts data to UTF-8. An explicit encoding wins; otherwise
// invalid UTF-8 is read as windows-1252 and a note is returned.
func decodeText(data []byte, name string) ([]byte, string, error) {
	name = strings.TrimSpace(name)
	if name != "" && !strings.EqualFold(name, "utf-8") && !strings.EqualFold(name, "utf8") {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return nil, "", fmt.Errorf("unknown encoding %q: %w", name, err)
		}
		out, err := transcode(data, enc)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", name, err)
		}
		return out, "", nil
	}
	if utf8.Valid(data) {
		return data, "", nil
	}
	out, err := transcode(data, charmap.Windows1252)
	if err != nil {
		return nil, "", fmt.Errorf("decode windows-1252: %w", err)
	}
	return out, "data was not valid UTF-8 and was decoded as windows-1252", nil
}

func transcode(data []byte, enc encoding.Encoding) ([]byte, error) {
	return io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
}

// sniffDelimiter picks the most frequent candidate delimiter on the first
// line, ignoring quoted sections.
func sniffDelimiter(text []byte) rune {
	first := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		first = text[:i]
	}
	counts := map[rune]int{}
	inQuote := false
	for _, r := range string(first) {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == ',' || r == ';' || r == '\t' || r == '|':
			counts[r]++
		}
	}
	best, bestN := ',', 0
	for _, r := range []rune{',', ';', '\t', '|'} {
		if counts[r] > bestN {
			best, bestN = r, counts[r]
		}
	}
	return best
}
