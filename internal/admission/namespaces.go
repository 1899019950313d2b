package admission

import (
	"path"
	"strings"
)

// NamespaceMatcher reports whether a namespace matches one of a set of
// path.Match patterns.
type NamespaceMatcher struct {
	patterns []string
}

// NewNamespaceMatcher validates patterns and drops blank entries.
func NewNamespaceMatcher(patterns []string) (*NamespaceMatcher, error) {
	normalized := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, err := path.Match(trimmed, ""); err != nil {
			return nil, err
		}
		normalized = append(normalized, trimmed)
	}
	return &NamespaceMatcher{patterns: normalized}, nil
}

func (m *NamespaceMatcher) Match(namespace string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, pattern := range m.patterns {
		if ok, _ := path.Match(pattern, namespace); ok {
			return pattern, true
		}
	}
	return "", false
}

func (m *NamespaceMatcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
