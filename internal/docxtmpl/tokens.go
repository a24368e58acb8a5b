package docxtmpl

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	textRunPattern = regexp.MustCompile(`<w:t(\s[^>]*[^>/])?>([^<]*)</w:t>`)
	paraBoundary   = regexp.MustCompile(`<w:p[\s>]|</w:p>`)
	tokenPattern   = regexp.MustCompile(`<<\s*([A-Za-z0-9_.]+)\s*>>`)
)

// ErrInvalidXMLChar is returned when a value contains a character that
// cannot appear in an XML document.
var ErrInvalidXMLChar = errors.New("character not allowed in xml")

// textRun is one <w:t> element. start and end bound the whole element in the
// part; off is where its text begins within the paragraph text.
type textRun struct {
	start, end int
	attrs      string
	text       string
	off        int
}

type paragraph struct {
	runs []textRun
}

func (p paragraph) text() string {
	var sb strings.Builder
	for _, r := range p.runs {
		sb.WriteString(r.text)
	}
	return sb.String()
}

// runAt returns the run holding paragraph text offset i.
func (p paragraph) runAt(i int) int {
	for k, r := range p.runs {
		if i >= r.off && i < r.off+len(r.text) {
			return k
		}
	}
	return len(p.runs) - 1
}

func (p paragraph) offsetOf(i int) int {
	return p.runs[p.runAt(i)].start
}

// paragraphs groups the text runs of a part by enclosing paragraph. Word
// splits typed text across runs freely, so tokens are matched on the joined
// paragraph text rather than per run.
func paragraphs(xml []byte) []paragraph {
	bounds := paraBoundary.FindAllIndex(xml, -1)
	var out []paragraph
	group := -1
	for _, m := range textRunPattern.FindAllSubmatchIndex(xml, -1) {
		g := sort.Search(len(bounds), func(i int) bool { return bounds[i][0] > m[0] })
		if g != group || len(out) == 0 {
			out = append(out, paragraph{})
			group = g
		}
		p := &out[len(out)-1]
		off := 0
		if n := len(p.runs); n > 0 {
			last := p.runs[n-1]
			off = last.off + len(last.text)
		}
		attrs := ""
		if m[2] >= 0 {
			attrs = string(xml[m[2]:m[3]])
		}
		p.runs = append(p.runs, textRun{
			start: m[0],
			end:   m[1],
			attrs: attrs,
			text:  unescape(string(xml[m[4]:m[5]])),
			off:   off,
		})
	}
	return out
}

type span struct {
	start, end int
	value      string
}

type edit struct {
	start, end int
	repl       string
}

// substituteTokens replaces bound <<name>> tokens. Only the runs a token
// touches are rewritten; text outside the token keeps its run formatting.
func substituteTokens(xml []byte, values map[string]string) ([]byte, int) {
	var edits []edit
	count := 0
	for _, p := range paragraphs(xml) {
		s := p.text()
		var subs []span
		for _, m := range tokenPattern.FindAllStringSubmatchIndex(s, -1) {
			v, ok := values[s[m[2]:m[3]]]
			if !ok {
				continue
			}
			subs = append(subs, span{start: m[0], end: m[1], value: v})
		}
		if len(subs) == 0 {
			continue
		}
		count += len(subs)

		content := make([]strings.Builder, len(p.runs))
		touched := make([]bool, len(p.runs))
		copyRange := func(from, to int) {
			for i, r := range p.runs {
				lo, hi := max(from, r.off), min(to, r.off+len(r.text))
				if lo < hi {
					content[i].WriteString(escapeText(s[lo:hi]))
				}
			}
		}
		pos := 0
		for _, sp := range subs {
			copyRange(pos, sp.start)
			content[p.runAt(sp.start)].WriteString(escapeValue(sp.value))
			for i, r := range p.runs {
				if sp.start < r.off+len(r.text) && sp.end > r.off {
					touched[i] = true
				}
			}
			pos = sp.end
		}
		copyRange(pos, len(s))

		for i, r := range p.runs {
			if touched[i] {
				edits = append(edits, edit{start: r.start, end: r.end, repl: textElement(r.attrs, content[i].String())})
			}
		}
	}
	return applyEdits(xml, edits), count
}

func applyEdits(xml []byte, edits []edit) []byte {
	if len(edits) == 0 {
		return xml
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	var buf bytes.Buffer
	buf.Grow(len(xml))
	pos := 0
	for _, e := range edits {
		buf.Write(xml[pos:e.start])
		buf.WriteString(e.repl)
		pos = e.end
	}
	buf.Write(xml[pos:])
	return buf.Bytes()
}

func textElement(attrs, escaped string) string {
	if !strings.Contains(attrs, "xml:space") {
		attrs += ` xml:space="preserve"`
	}
	return "<w:t" + attrs + ">" + escaped + "</w:t>"
}

// valueRun builds a standalone run carrying value, formatted with rPr.
func valueRun(rPr []byte, value string) string {
	return "<w:r>" + string(rPr) + `<w:t xml:space="preserve">` + escapeValue(value) + "</w:t></w:r>"
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

var breakReplacer = strings.NewReplacer(
	"\n", `</w:t><w:br/><w:t xml:space="preserve">`,
	"\t", `</w:t><w:tab/><w:t xml:space="preserve">`,
)

// escapeValue escapes a substituted value; line breaks and tabs become
// w:br and w:tab so multi-line cells render as typed.
func escapeValue(v string) string {
	v = strings.ReplaceAll(v, "\r\n", "\n")
	v = strings.ReplaceAll(v, "\r", "\n")
	return breakReplacer.Replace(escapeText(v))
}

func unescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

// checkXMLText rejects values that would produce an ill-formed part.
func checkXMLText(v string) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: invalid utf-8", ErrInvalidXMLChar)
	}
	for i, r := range v {
		ok := r == 0x9 || r == 0xA || r == 0xD ||
			(r >= 0x20 && r <= 0xD7FF) ||
			(r >= 0xE000 && r <= 0xFFFD) ||
			(r >= 0x10000 && r <= 0x10FFFF)
		if !ok {
			return fmt.Errorf("%w: U+%04X at byte %d", ErrInvalidXMLChar, r, i)
		}
	}
	return nil
}
