package query

import (
	"strings"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

// Selector is a parsed series selector: an optional metric name plus zero
// or more label matchers. Supported forms:
//
//	up
//	up{job="node"}
//	up{job="node",env!="staging"}
//	{job="node"}
type Selector struct {
	Metric   string
	Matchers []LabelMatcher

	raw string
}

// LabelMatcher matches one label against a literal value.
type LabelMatcher struct {
	Name     string
	Value    string
	Negative bool // true for !=
}

// ParseSelector parses the textual selector form.
func ParseSelector(s string) (*Selector, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(errors.ErrBadSelector, "empty selector")
	}

	sel := &Selector{raw: raw}

	brace := strings.IndexByte(s, '{')
	if brace < 0 {
		sel.Metric = s
		if !validMetricName(sel.Metric) {
			return nil, errors.Wrapf(errors.ErrBadSelector, "bad metric name %q", sel.Metric)
		}
		return sel, nil
	}

	sel.Metric = strings.TrimSpace(s[:brace])
	if sel.Metric != "" && !validMetricName(sel.Metric) {
		return nil, errors.Wrapf(errors.ErrBadSelector, "bad metric name %q", sel.Metric)
	}

	if !strings.HasSuffix(s, "}") {
		return nil, errors.Wrapf(errors.ErrBadSelector, "unterminated matcher block in %q", raw)
	}

	body := strings.TrimSpace(s[brace+1 : len(s)-1])
	if body == "" {
		if sel.Metric == "" {
			return nil, errors.Wrap(errors.ErrBadSelector, "selector matches nothing")
		}
		return sel, nil
	}

	for len(body) > 0 {
		op := strings.Index(body, "=")
		if op <= 0 {
			return nil, errors.Wrapf(errors.ErrBadSelector, "malformed matcher in %q", raw)
		}

		m := LabelMatcher{}
		name := body[:op]
		if strings.HasSuffix(name, "!") {
			m.Negative = true
			name = name[:len(name)-1]
		}
		m.Name = strings.TrimSpace(name)
		if m.Name == "" {
			return nil, errors.Wrapf(errors.ErrBadSelector, "empty label name in %q", raw)
		}

		rest := body[op+1:]
		if len(rest) < 2 || rest[0] != '"' {
			return nil, errors.Wrapf(errors.ErrBadSelector, "unquoted value in %q", raw)
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, errors.Wrapf(errors.ErrBadSelector, "unterminated value in %q", raw)
		}
		m.Value = rest[1 : 1+end]
		sel.Matchers = append(sel.Matchers, m)

		body = strings.TrimSpace(rest[end+2:])
		body = strings.TrimSpace(strings.TrimPrefix(body, ","))
	}

	if sel.Metric == "" && len(sel.Matchers) == 0 {
		return nil, errors.Wrap(errors.ErrBadSelector, "selector matches nothing")
	}

	return sel, nil
}

// Match reports whether a series identified by metric and labels satisfies
// the selector.
func (sel *Selector) Match(metric string, labels types.Labels) bool {
	if sel.Metric != "" && metric != sel.Metric {
		return false
	}
	for _, m := range sel.Matchers {
		v, ok := labels[m.Name]
		if m.Negative {
			if ok && v == m.Value {
				return false
			}
		} else {
			if !ok || v != m.Value {
				return false
			}
		}
	}
	return true
}

// String returns the original selector text.
func (sel *Selector) String() string {
	return sel.raw
}

func validMetricName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
