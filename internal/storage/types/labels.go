package types

import (
	"sort"
	"strings"
)

// Labels is a set of key-value tags identifying a series together with its
// metric name. Keys are unique.
type Labels map[string]string

// Clone returns a copy of the label set.
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Merge returns a new label set with other's entries added. On key conflict
// the receiver's value wins, so target-level static labels take precedence
// over labels emitted in the scrape body.
func (l Labels) Merge(other Labels) Labels {
	out := make(Labels, len(l)+len(other))
	for k, v := range other {
		out[k] = v
	}
	for k, v := range l {
		out[k] = v
	}
	return out
}

// String renders the label set in canonical form: keys sorted, values
// quoted, e.g. {instance="10.0.0.1:9100",job="node"}. An empty or nil set
// renders as {}.
func (l Labels) String() string {
	if len(l) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(l[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Equal reports whether two label sets contain the same entries.
func (l Labels) Equal(other Labels) bool {
	if len(l) != len(other) {
		return false
	}
	for k, v := range l {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ParseLabels parses the canonical form produced by String. It accepts an
// empty string or "{}" as an empty set.
func ParseLabels(s string) (Labels, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return Labels{}, nil
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, &labelParseError{s}
	}

	out := Labels{}
	body := s[1 : len(s)-1]
	for len(body) > 0 {
		eq := strings.Index(body, "=")
		if eq < 0 {
			return nil, &labelParseError{s}
		}
		key := strings.TrimSpace(body[:eq])
		rest := body[eq+1:]
		if len(rest) < 2 || rest[0] != '"' {
			return nil, &labelParseError{s}
		}
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return nil, &labelParseError{s}
		}
		out[key] = rest[1 : 1+end]
		rest = rest[end+2:]
		rest = strings.TrimPrefix(rest, ",")
		body = rest
	}
	return out, nil
}

type labelParseError struct {
	input string
}

func (e *labelParseError) Error() string {
	return "malformed label set: " + e.input
}
