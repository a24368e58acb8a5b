package docxtmpl

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
)

var (
	fieldEventPattern = regexp.MustCompile(`<w:fldChar\b[^>]*?w:fldCharType="(begin|separate|end)"[^>]*>|<w:instrText\b[^>]*>([^<]*)</w:instrText>`)
	fldSimplePattern  = regexp.MustCompile(`(?s)<w:fldSimple\b([^>]*?)(?:/>|>(.*?)</w:fldSimple>)`)
	mergeFieldPattern = regexp.MustCompile(`(?i)^\s*MERGEFIELD\s+(?:"([^"]+)"|(\S+))`)
	instrAttrPattern  = regexp.MustCompile(`w:instr="([^"]*)"`)
	rPrPattern        = regexp.MustCompile(`(?s)<w:rPr>.*?</w:rPr>|<w:rPr/>`)
)

// field is a complex field delimited by fldChar begin/separate/end. Offsets
// point at the fldChar tags; sep is -1 when the field has no result section.
type field struct {
	begin  int
	sep    int
	end    int
	endEnd int
	depth  int
	instr  string
}

// scanFields returns the complex fields in a part ordered by start.
func scanFields(xml []byte) []field {
	var out []field
	var stack []*field
	for _, m := range fieldEventPattern.FindAllSubmatchIndex(xml, -1) {
		if m[2] < 0 {
			if n := len(stack); n > 0 && stack[n-1].sep < 0 {
				stack[n-1].instr += string(xml[m[4]:m[5]])
			}
			continue
		}
		switch string(xml[m[2]:m[3]]) {
		case "begin":
			stack = append(stack, &field{begin: m[0], sep: -1, depth: len(stack)})
		case "separate":
			if n := len(stack); n > 0 {
				stack[n-1].sep = m[0]
			}
		case "end":
			n := len(stack)
			if n == 0 {
				continue
			}
			f := stack[n-1]
			stack = stack[:n-1]
			f.end, f.endEnd = m[0], m[1]
			f.instr = unescape(f.instr)
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].begin < out[j].begin })
	return out
}

// mergeFieldName extracts the field name from a MERGEFIELD instruction.
func mergeFieldName(instr string) (string, bool) {
	m := mergeFieldPattern.FindStringSubmatch(instr)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		name = strings.TrimSpace(m[2])
	}
	return name, name != ""
}

func instrAttr(attrs []byte) []byte {
	m := instrAttrPattern.FindSubmatch(attrs)
	if m == nil {
		return nil
	}
	return m[1]
}

// substituteFields replaces bound MERGEFIELDs with a plain run holding the
// value. Unbound fields, nested fields and fields spanning paragraphs are
// left for Word to handle.
func substituteFields(xml []byte, values map[string]string) ([]byte, int) {
	out, n := replaceSimpleFields(xml, values)
	out, m := replaceComplexFields(out, values)
	return out, n + m
}

func replaceSimpleFields(xml []byte, values map[string]string) ([]byte, int) {
	var edits []edit
	for _, m := range fldSimplePattern.FindAllSubmatchIndex(xml, -1) {
		instr := unescape(string(instrAttr(xml[m[2]:m[3]])))
		name, ok := mergeFieldName(instr)
		if !ok {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		var rPr []byte
		if m[4] >= 0 {
			rPr = rPrPattern.Find(xml[m[4]:m[5]])
		}
		edits = append(edits, edit{start: m[0], end: m[1], repl: valueRun(rPr, v)})
	}
	return applyEdits(xml, edits), len(edits)
}

func replaceComplexFields(xml []byte, values map[string]string) ([]byte, int) {
	fields := scanFields(xml)
	if len(fields) == 0 {
		return xml, 0
	}
	bounds := paraBoundary.FindAllIndex(xml, -1)

	var edits []edit
	for _, f := range fields {
		if f.depth != 0 {
			continue
		}
		name, ok := mergeFieldName(f.instr)
		if !ok {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		start := runStart(xml, f.begin)
		end := runEnd(xml, f.endEnd)
		if start < 0 || end < 0 {
			continue
		}
		i := sort.Search(len(bounds), func(i int) bool { return bounds[i][0] >= start })
		if i < len(bounds) && bounds[i][0] < end {
			continue
		}

		var rPr []byte
		if f.sep >= 0 {
			rPr = rPrPattern.Find(xml[f.sep:f.end])
		}
		if rPr == nil {
			rPr = rPrPattern.Find(xml[start:f.begin])
		}
		edits = append(edits, edit{start: start, end: end, repl: valueRun(rPr, v)})
	}
	return applyEdits(xml, edits), len(edits)
}

func runStart(xml []byte, at int) int {
	head := xml[:at]
	return max(bytes.LastIndex(head, []byte("<w:r>")), bytes.LastIndex(head, []byte("<w:r ")))
}

func runEnd(xml []byte, at int) int {
	j := bytes.Index(xml[at:], []byte("</w:r>"))
	if j < 0 {
		return -1
	}
	return at + j + len("</w:r>")
}
