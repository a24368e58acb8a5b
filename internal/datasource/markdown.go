package datasource

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownReader handles GFM pipe tables. Each table is a sheet named after
// the closest heading above it.
type MarkdownReader struct{}

func (p *MarkdownReader) Read(data []byte, opts Options) (*Table, error) {
	src, note, err := decodeText(data, opts.Encoding)
	if err != nil {
		return nil, err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	doc := md.Parser().Parse(text.NewReader(src))

	var tables []*east.Table
	var names []string
	heading := ""
	headingUses := map[string]int{}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			heading = inlineText(node, src)
		case *east.Table:
			name := heading
			if name == "" {
				name = fmt.Sprintf("Table %d", len(tables)+1)
			}
			headingUses[name]++
			if headingUses[name] > 1 {
				name = fmt.Sprintf("%s (%d)", name, headingUses[name])
			}
			tables = append(tables, node)
			names = append(names, name)
		}
	}

	idx, err := pickSheet(names, opts)
	if err != nil {
		return nil, err
	}

	b := newBuilder(names[idx], names)
	if note != "" {
		b.t.Note("%s", note)
	}
	line := 0
	for r := tables[idx].FirstChild(); r != nil; r = r.NextSibling() {
		switch r.(type) {
		case *east.TableHeader, *east.TableRow:
			line++
			var cells []string
			for c := r.FirstChild(); c != nil; c = c.NextSibling() {
				cells = append(cells, inlineText(c, src))
			}
			b.add(line, cells)
		}
	}
	return b.table()
}

// inlineText flattens the inline children of a goldmark node.
func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				buf.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					buf.WriteByte(' ')
				}
			case *ast.String:
				buf.Write(t.Value)
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return strings.TrimSpace(buf.String())
}
