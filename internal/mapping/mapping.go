// Package mapping binds template placeholders to their per-row value source.
package mapping

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind is the wire name of a binding kind.
type Kind string

const (
	KindColumn  Kind = "csv"
	KindLiteral Kind = "custom"
	KindDate    Kind = "date"
)

// Binding is one of ColumnRef, Literal or FixedDate.
type Binding interface {
	Kind() Kind
	empty() bool
}

// ColumnRef takes the value from a data source column, per row.
type ColumnRef struct {
	Column string
}

// Literal is the same static text for every row.
type Literal struct {
	Value string
}

// FixedDate is the same timestamp for every row.
type FixedDate struct {
	Value time.Time
}

func (ColumnRef) Kind() Kind { return KindColumn }
func (Literal) Kind() Kind   { return KindLiteral }
func (FixedDate) Kind() Kind { return KindDate }

func (b ColumnRef) empty() bool { return strings.TrimSpace(b.Column) == "" }
func (b Literal) empty() bool   { return b.Value == "" }
func (b FixedDate) empty() bool { return b.Value.IsZero() }

// Mapping assigns a binding to each placeholder name. Missing or nil entries
// are unbound.
type Mapping map[string]Binding

// MailHour is the time of day default dates are pinned to.
const MailHour = 17

// DefaultDate returns today at 17:00:00 in now's location.
func DefaultDate(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, MailHour, 0, 0, 0, now.Location())
}

// dateHints mark a placeholder as a date when found in its normalized name.
var dateHints = []string{"date"}

var spaces = regexp.MustCompile(`\s+`)

// IsDateName reports whether a placeholder name indicates a date.
func IsDateName(name string) bool {
	n := spaces.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), " ")
	for _, h := range dateHints {
		if strings.Contains(n, h) {
			return true
		}
	}
	return false
}

// NormalizeHeader lower-cases a header and replaces whitespace runs with
// underscores, the form placeholder names are compared against.
func NormalizeHeader(h string) string {
	return spaces.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
}

// AutoMap proposes a binding for each placeholder. Date-like names default to
// today at 17:00; otherwise a case-insensitive header match binds the column.
// Placeholders matching neither stay unbound.
func AutoMap(placeholders, headers []string, now time.Time) Mapping {
	byNorm := make(map[string]string, len(headers))
	for _, h := range headers {
		key := NormalizeHeader(h)
		if _, ok := byNorm[key]; !ok {
			byNorm[key] = h
		}
	}

	m := make(Mapping, len(placeholders))
	for _, p := range placeholders {
		if IsDateName(p) {
			m[p] = FixedDate{Value: DefaultDate(now)}
			continue
		}
		if h, ok := byNorm[NormalizeHeader(p)]; ok {
			m[p] = ColumnRef{Column: h}
		}
	}
	return m
}

// Default returns the reset value for kind.
func Default(kind Kind, now time.Time) (Binding, error) {
	switch kind {
	case KindColumn:
		return ColumnRef{}, nil
	case KindLiteral:
		return Literal{}, nil
	case KindDate:
		return FixedDate{Value: DefaultDate(now)}, nil
	default:
		return nil, fmt.Errorf("unknown binding type %q", kind)
	}
}

// SetKind returns a copy of m with placeholder switched to kind. Switching to
// a different kind resets the value to that kind's default; keeping the same
// kind keeps the value.
func (m Mapping) SetKind(placeholder string, kind Kind, now time.Time) (Mapping, error) {
	out := m.Clone()
	if cur := out[placeholder]; cur != nil && cur.Kind() == kind {
		return out, nil
	}
	b, err := Default(kind, now)
	if err != nil {
		return nil, err
	}
	out[placeholder] = b
	return out, nil
}

// Set returns a copy of m with an explicit binding for placeholder.
func (m Mapping) Set(placeholder string, b Binding) Mapping {
	out := m.Clone()
	out[placeholder] = b
	return out
}

// Clone returns an independent copy. Bindings are values, so the copy shares
// no mutable state with m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Bound reports whether placeholder has a non-empty binding.
func (m Mapping) Bound(placeholder string) bool {
	b := m[placeholder]
	return b != nil && !b.empty()
}

// Report summarizes how completely a mapping covers a template.
type Report struct {
	Mapped   []string `json:"mapped"`
	Unmapped []string `json:"unmapped"`
	Problems []string `json:"problems,omitempty"`
	Complete bool     `json:"complete"`
}

// Validate checks m against the template placeholders and data source headers.
// Column references to headers that do not exist are listed as problems; they
// render as empty text.
func (m Mapping) Validate(placeholders, headers []string) Report {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	r := Report{Mapped: []string{}, Unmapped: []string{}}
	for _, p := range placeholders {
		if !m.Bound(p) {
			r.Unmapped = append(r.Unmapped, p)
			continue
		}
		r.Mapped = append(r.Mapped, p)
		if c, ok := m[p].(ColumnRef); ok && !known[c.Column] {
			r.Problems = append(r.Problems, fmt.Sprintf("%s: column %q not found in data source", p, c.Column))
		}
	}
	r.Complete = len(r.Unmapped) == 0
	return r
}

// UsesColumns reports whether any binding reads from the data source.
func (m Mapping) UsesColumns() bool {
	for _, b := range m {
		if c, ok := b.(ColumnRef); ok && !c.empty() {
			return true
		}
	}
	return false
}

// Values resolves every non-empty binding for one row. Unbound placeholders
// are absent from the result so the renderer leaves their markers alone.
func (m Mapping) Values(row map[string]string, dateLayout string) map[string]string {
	out := make(map[string]string, len(m))
	for name, b := range m {
		if b == nil || b.empty() {
			continue
		}
		switch v := b.(type) {
		case ColumnRef:
			out[name] = row[v.Column]
		case Literal:
			out[name] = v.Value
		case FixedDate:
			out[name] = v.Value.Format(dateLayout)
		default:
			panic(fmt.Sprintf("mapping: unhandled binding %T", b))
		}
	}
	return out
}
