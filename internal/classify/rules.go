package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulesFile is the top-level YAML layout of a rules file.
//
//	rules:
//	  - label: figma
//	    patterns: ["figma.com/file", "figma.com/design"]
type RulesFile struct {
	Rules Rules `yaml:"rules"`
}

// LoadRules reads and validates a rules YAML file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rules from YAML.
func ParseRules(data []byte) (Rules, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file: at least one rule is required")
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return nil, fmt.Errorf("rules file: rules[%d] missing label", i)
		}
		if label == LabelNone {
			return nil, fmt.Errorf("rules file: rules[%d] uses reserved label %q", i, LabelNone)
		}
		if seen[label] {
			return nil, fmt.Errorf("rules file: rules[%d] duplicate label %q", i, label)
		}
		seen[label] = true

		patterns := make([]string, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			if p != "" {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("rules file: rules[%d] (%s) has no patterns", i, label)
		}
		f.Rules[i] = Rule{Label: label, Patterns: patterns}
	}
	return f.Rules, nil
}
