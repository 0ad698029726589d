package transcribe

import (
	"embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRulesFS embed.FS

// substitutionFile mirrors rules/default.yaml.
type substitutionFile struct {
	Version       int `yaml:"version"`
	Substitutions []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"substitutions"`
}

// substitution is one compiled, ordered refinement rule.
type substitution struct {
	pattern *regexp.Regexp
	replace string
}

// RuleSet is an immutable, version-tagged table of refinement
// substitutions. Refine(raw, ruleSet) is deterministic: the same raw_text
// and the same RuleSet always produce the same refined_text, per spec.md
// §4.6 step 3.
type RuleSet struct {
	Version int
	rules   []substitution
}

// ParseRuleSet compiles a rule file (the embedded default or an operator
// override loaded from disk) into a RuleSet.
func ParseRuleSet(b []byte) (RuleSet, error) {
	var sf substitutionFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return RuleSet{}, fmt.Errorf("transcribe: parse rule file: %w", err)
	}
	rs := RuleSet{Version: sf.Version, rules: make([]substitution, 0, len(sf.Substitutions))}
	for i, s := range sf.Substitutions {
		re, err := regexp.Compile(s.From)
		if err != nil {
			return RuleSet{}, fmt.Errorf("transcribe: compile rule %d: %w", i, err)
		}
		rs.rules = append(rs.rules, substitution{pattern: re, replace: s.To})
	}
	return rs, nil
}

// DefaultRuleSet compiles the embedded rule table.
func DefaultRuleSet() (RuleSet, error) {
	b, err := defaultRulesFS.ReadFile("rules/default.yaml")
	if err != nil {
		return RuleSet{}, err
	}
	return ParseRuleSet(b)
}

// Refine applies every substitution in order, once each, to raw and
// returns the refined text; the version of the table that produced it is
// rs.Version, which callers record alongside the transcript.
func (rs RuleSet) Refine(raw string) string {
	text := raw
	for _, s := range rs.rules {
		text = s.pattern.ReplaceAllString(text, s.replace)
	}
	return text
}
