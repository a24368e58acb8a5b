package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type wireBinding struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wireOut struct {
	Type  Kind   `json:"type"`
	Value string `json:"value"`
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Decode parses {placeholder: {type: "csv"|"custom"|"date", value}}. A bare
// string value is read as a column name. Dates without a time of day are
// pinned to 17:00 in now's location; an empty date means today at 17:00.
func Decode(data []byte, now time.Time) (Mapping, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}

	m := make(Mapping, len(raw))
	for name, msg := range raw {
		msg = bytes.TrimSpace(msg)
		switch {
		case len(msg) == 0 || bytes.Equal(msg, []byte("null")):
			continue
		case msg[0] == '"':
			var col string
			if err := json.Unmarshal(msg, &col); err != nil {
				return nil, fmt.Errorf("mapping %q: %w", name, err)
			}
			m[name] = ColumnRef{Column: col}
			continue
		}

		var w wireBinding
		if err := json.Unmarshal(msg, &w); err != nil {
			return nil, fmt.Errorf("mapping %q: %w", name, err)
		}
		value, err := scalar(w.Value)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", name, err)
		}

		switch strings.ToLower(strings.TrimSpace(w.Type)) {
		case "csv", "column":
			m[name] = ColumnRef{Column: value}
		case "custom", "literal":
			m[name] = Literal{Value: value}
		case "date":
			t, err := ParseDate(value, now)
			if err != nil {
				return nil, fmt.Errorf("mapping %q: %w", name, err)
			}
			m[name] = FixedDate{Value: t}
		default:
			return nil, fmt.Errorf("mapping %q: unknown binding type %q", name, w.Type)
		}
	}
	return m, nil
}

// ParseDate reads a caller-supplied date. Date-only values land at 17:00.
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultDate(now), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return DefaultDate(d), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// scalar flattens a JSON string, number or bool into text.
func scalar(msg json.RawMessage) (string, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return "", nil
	}
	if msg[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if msg[0] == '{' || msg[0] == '[' {
		return "", fmt.Errorf("value must be a scalar")
	}
	return string(msg), nil
}

// MarshalJSON writes the wire shape accepted by Decode. Dates are RFC 3339.
func (m Mapping) MarshalJSON() ([]byte, error) {
	out := make(map[string]wireOut, len(m))
	for name, b := range m {
		switch v := b.(type) {
		case nil:
			continue
		case ColumnRef:
			out[name] = wireOut{Type: KindColumn, Value: v.Column}
		case Literal:
			out[name] = wireOut{Type: KindLiteral, Value: v.Value}
		case FixedDate:
			out[name] = wireOut{Type: KindDate, Value: v.Value.Format(time.RFC3339)}
		default:
			return nil, fmt.Errorf("mapping: unhandled binding %T", b)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes relative to the current time.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	d, err := Decode(data, time.Now())
	if err != nil {
		return err
	}
	*m = d
	return nil
}
