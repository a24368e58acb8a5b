// Package docxtmpl finds and fills placeholders in DOCX templates.
//
// Two placeholder syntaxes are recognized: Word MERGEFIELD fields (simple
// and complex) and <<token>> markers typed as plain text. Rendering edits the
// WordprocessingML of each content part in place so everything the engine does
// not touch (styles, numbering, media, section properties) survives byte for
// byte.
package docxtmpl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Kind identifies the syntax a placeholder was written in.
type Kind int

const (
	MergeField Kind = iota
	Token
)

func (k Kind) String() string {
	if k == Token {
		return "token"
	}
	return "mergefield"
}

// Placeholder is a named marker discovered in a template.
type Placeholder struct {
	Name string
	Kind Kind
}

// Template is a parsed DOCX. It is immutable and safe for concurrent Render calls.
type Template struct {
	zr           *zip.Reader
	parts        map[string][]byte
	order        []string
	placeholders []Placeholder
	kinds        map[Kind]bool
}

// ErrNotDocx is returned when the input is not a WordprocessingML package.
var ErrNotDocx = errors.New("not a docx document")

var partPattern = regexp.MustCompile(`^word/(document|header\d*|footer\d*|footnotes|endnotes)\.xml$`)

// Open parses raw DOCX bytes and discovers placeholders.
func Open(data []byte) (*Template, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocx, err)
	}

	t := &Template{zr: zr, parts: map[string][]byte{}, kinds: map[Kind]bool{}}
	for _, f := range zr.File {
		if !partPattern.MatchString(f.Name) {
			continue
		}
		b, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		t.parts[f.Name] = b
		t.order = append(t.order, f.Name)
	}
	if _, ok := t.parts["word/document.xml"]; !ok {
		return nil, fmt.Errorf("%w: missing word/document.xml", ErrNotDocx)
	}
	sort.SliceStable(t.order, func(i, j int) bool {
		return partRank(t.order[i]) < partRank(t.order[j]) ||
			(partRank(t.order[i]) == partRank(t.order[j]) && t.order[i] < t.order[j])
	})

	seen := map[string]bool{}
	for _, name := range t.order {
		for _, p := range discover(t.parts[name]) {
			t.kinds[p.Kind] = true
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			t.placeholders = append(t.placeholders, p)
		}
	}
	return t, nil
}

// Placeholders returns distinct placeholders in order of first appearance,
// body before headers and footers.
func (t *Template) Placeholders() []Placeholder {
	return append([]Placeholder(nil), t.placeholders...)
}

// Names returns the distinct placeholder names in order of first appearance.
func (t *Template) Names() []string {
	out := make([]string, len(t.placeholders))
	for i, p := range t.placeholders {
		out[i] = p.Name
	}
	return out
}

// Source reports which placeholder syntaxes the template uses:
// "mergefield", "angle_tokens", "mixed" or "none".
func (t *Template) Source() string {
	switch {
	case t.kinds[MergeField] && t.kinds[Token]:
		return "mixed"
	case t.kinds[MergeField]:
		return "mergefield"
	case t.kinds[Token]:
		return "angle_tokens"
	default:
		return "none"
	}
}

// Render writes a fresh DOCX with every bound placeholder replaced by its
// value. Placeholders without an entry in values are left untouched. It
// returns the document bytes and the number of substitutions made.
func (t *Template) Render(values map[string]string) ([]byte, int, error) {
	for name, v := range values {
		if err := checkXMLText(v); err != nil {
			return nil, 0, fmt.Errorf("value for %q: %w", name, err)
		}
	}

	rendered := make(map[string][]byte, len(t.parts))
	total := 0
	for _, name := range t.order {
		out, n := substituteTokens(t.parts[name], values)
		out, m := substituteFields(out, values)
		rendered[name] = out
		total += n + m
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range t.zr.File {
		body, ok := rendered[f.Name]
		if !ok {
			if err := copyRaw(zw, f); err != nil {
				return nil, 0, fmt.Errorf("copy %s: %w", f.Name, err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: f.Modified,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", f.Name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("close docx: %w", err)
	}
	return buf.Bytes(), total, nil
}

// copyRaw copies an untouched part without recompressing it. The header is
// copied first because CreateRaw writes sizes back into it, and t.zr is
// shared between concurrent Render calls.
func copyRaw(zw *zip.Writer, f *zip.File) error {
	fh := f.FileHeader
	r, err := f.OpenRaw()
	if err != nil {
		return err
	}
	w, err := zw.CreateRaw(&fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

func partRank(name string) int {
	base := strings.TrimSuffix(path.Base(name), ".xml")
	switch {
	case base == "document":
		return 0
	case strings.HasPrefix(base, "header"):
		return 1
	case strings.HasPrefix(base, "footer"):
		return 2
	default:
		return 3
	}
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type found struct {
	at int
	p  Placeholder
}

// discover lists placeholders in one part in document order, duplicates included.
func discover(xml []byte) []Placeholder {
	var hits []found
	for _, f := range scanFields(xml) {
		if name, ok := mergeFieldName(f.instr); ok {
			hits = append(hits, found{at: f.begin, p: Placeholder{Name: name, Kind: MergeField}})
		}
	}
	for _, m := range fldSimplePattern.FindAllSubmatchIndex(xml, -1) {
		instr := unescape(string(instrAttr(xml[m[2]:m[3]])))
		if name, ok := mergeFieldName(instr); ok {
			hits = append(hits, found{at: m[0], p: Placeholder{Name: name, Kind: MergeField}})
		}
	}
	for _, para := range paragraphs(xml) {
		text := para.text()
		for _, m := range tokenPattern.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, found{at: para.offsetOf(m[0]), p: Placeholder{Name: text[m[2]:m[3]], Kind: Token}})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	out := make([]Placeholder, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out
}
