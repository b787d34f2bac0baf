// Package classify maps browser tab URLs to the design tool they belong to.
package classify

import (
	"strings"
	"sync/atomic"

	"github.com/dgnsrekt/babel_bridge/internal/types"
)

const (
	LabelFigma     = "figma"
	LabelPhotoshop = "photoshop"
	// LabelNone is the wire value for "no recognized tool".
	LabelNone = types.AppNone
)

// Rule assigns Label to any URL containing one of Patterns.
type Rule struct {
	Label    string   `yaml:"label" json:"label"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// Rules are evaluated in order; the first matching rule wins.
type Rules []Rule

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		{Label: LabelFigma, Patterns: []string{"figma.com/file", "figma.com/design"}},
		{Label: LabelPhotoshop, Patterns: []string{"photoshop.adobe.com"}},
	}
}

// Classify returns the label of the first rule with a pattern contained in url.
// Matching is case-sensitive. Empty urls and misses return LabelNone.
func (rs Rules) Classify(url string) string {
	if url == "" {
		return LabelNone
	}
	for _, r := range rs {
		for _, p := range r.Patterns {
			if p != "" && strings.Contains(url, p) {
				return r.Label
			}
		}
	}
	return LabelNone
}

// Labels returns the rule labels in priority order.
func (rs Rules) Labels() []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Label)
	}
	return out
}

// Set is a Classifier whose rules can be replaced while it is in use.
type Set struct {
	rules atomic.Pointer[Rules]
}

// NewSet returns a Set holding rules. A nil or empty rules uses DefaultRules.
func NewSet(rules Rules) *Set {
	s := &Set{}
	s.Replace(rules)
	return s
}

// Classify implements the agent's classifier contract.
func (s *Set) Classify(url string) string {
	return (*s.rules.Load()).Classify(url)
}

// Replace swaps in a new rule set.
func (s *Set) Replace(rules Rules) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	cp := make(Rules, len(rules))
	copy(cp, rules)
	s.rules.Store(&cp)
}

// Rules returns the active rule set.
func (s *Set) Rules() Rules {
	return *s.rules.Load()
}
