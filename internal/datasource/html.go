package datasource

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// HTMLReader handles <table> elements in HTML files. Each table is a sheet,
// named by its caption, then its id, then its position.
type HTMLReader struct{}

func (p *HTMLReader) Read(data []byte, opts Options) (*Table, error) {
	text, note, err := decodeText(data, opts.Encoding)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	tables := findTables(doc)
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = tableName(t, i)
	}
	idx, err := pickSheet(names, opts)
	if err != nil {
		return nil, err
	}

	b := newBuilder(names[idx], names)
	if note != "" {
		b.t.Note("%s", note)
	}
	for i, tr := range tableRows(tables[idx]) {
		b.add(i+1, rowCells(tr))
	}
	return b.table()
}

// findTables returns top-level and nested tables in document order.
func findTables(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func tableName(t *html.Node, i int) string {
	for c := t.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "caption" {
			if s := textContent(c); s != "" {
				return s
			}
		}
	}
	for _, a := range t.Attr {
		if a.Key == "id" && strings.TrimSpace(a.Val) != "" {
			return strings.TrimSpace(a.Val)
		}
	}
	return fmt.Sprintf("Table %d", i+1)
}

// tableRows collects <tr> elements belonging to t, skipping nested tables.
func tableRows(t *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "tr":
				rows = append(rows, c)
			case "thead", "tbody", "tfoot":
				walk(c)
			}
		}
	}
	walk(t)
	return rows
}

func rowCells(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.Data != "td" && c.Data != "th") {
			continue
		}
		cells = append(cells, textContent(c))
		for range colspan(c) - 1 {
			cells = append(cells, "")
		}
	}
	return cells
}

func colspan(n *html.Node) int {
	for _, a := range n.Attr {
		if a.Key == "colspan" {
			if v, err := strconv.Atoi(strings.TrimSpace(a.Val)); err == nil && v > 1 && v < 1000 {
				return v
			}
		}
	}
	return 1
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && n.Data == "br" {
			buf.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.TrimSpace(buf.String())
}
