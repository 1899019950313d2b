package util

import (
	"fmt"
	"regexp"
	"strings"
)

// ImageRewrite defines a replacement rule for image references. When Regex is
// set the From field is treated as a regular expression and replacement uses
// regexp.ReplaceAllString, otherwise a simple prefix substitution is applied.
type ImageRewrite struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Regex bool   `json:"regex,omitempty"`
}

type compiledRewrite struct {
	ImageRewrite
	re *regexp.Regexp
}

// NewImageRewriter returns a function that applies the given rules to an
// image reference. The first matching rule wins; images matching no rule are
// returned unchanged.
func NewImageRewriter(rules []ImageRewrite) (func(string) string, error) {
	compiled := make([]compiledRewrite, 0, len(rules))
	for i, rule := range rules {
		if strings.TrimSpace(rule.From) == "" {
			return nil, fmt.Errorf("image rewrite %d: empty from", i)
		}
		cr := compiledRewrite{ImageRewrite: rule}
		if rule.Regex {
			re, err := regexp.Compile(rule.From)
			if err != nil {
				return nil, fmt.Errorf("image rewrite %d: %w", i, err)
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	return func(image string) string {
		for _, r := range compiled {
			if r.Regex {
				if r.re.MatchString(image) {
					return r.re.ReplaceAllString(image, r.To)
				}
				continue
			}
			if strings.HasPrefix(image, r.From) {
				return r.To + strings.TrimPrefix(image, r.From)
			}
		}
		return image
	}, nil
}
