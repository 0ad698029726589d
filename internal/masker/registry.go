// Package masker implements the deterministic, stateless mask(level, text)
// function (component C1): a fixed-priority cascade of regex rules applied
// until a pass changes nothing, bounded at three passes.
package masker

import (
	"embed"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

//go:embed rules/default.yaml
var defaultRulesFS embed.FS

// ruleFile mirrors rules/default.yaml.
type ruleFile struct {
	Version  int               `yaml:"version"`
	Patterns map[string]string `yaml:"patterns"`
}

// patternName identifies one rule in the fixed priority order. The order of
// this slice IS the priority order: earlier entries are applied, and
// replaced first, within every pass.
type patternName string

const (
	patEmail        patternName = "email"
	patPhone        patternName = "phone"
	patPersonnummer patternName = "personnummer"
	patLongNumeric  patternName = "long_numeric"
	patShortNumeric patternName = "short_numeric"
	patDateISO      patternName = "date_iso"
	patDateMonth    patternName = "date_locale_month"
	patDateWeekday  patternName = "date_weekday"
	patMoneyAmount  patternName = "money_amount"
	patCaseID       patternName = "case_id"
)

// priorityOrder is fixed: once a span is replaced by an earlier pattern, no
// later pattern in this list may touch it, because the replacement token
// ("[EMAIL]", a protect sentinel, …) no longer matches any regex below it.
var priorityOrder = []patternName{
	patEmail, patPhone, patPersonnummer,
	patMoneyAmount, patCaseID, // protected first so digits inside them are never re-masked
	patLongNumeric, patShortNumeric,
	patDateISO, patDateMonth, patDateWeekday,
}

// tokens maps each pattern to the literal replacement it emits when active.
var tokens = map[patternName]string{
	patEmail:        "[EMAIL]",
	patPhone:        "[PHONE]",
	patPersonnummer: "[PERSONNUMMER]",
	patLongNumeric:  "[NUM]",
	patShortNumeric: "[NUM]",
	patDateISO:      "[DATE]",
	patDateMonth:    "[DATE]",
	patDateWeekday:  "[DATE]",
	patMoneyAmount:  "[AMOUNT]",
	patCaseID:       "[ID]",
}

// protectedUntilParanoid holds patterns that must be located and shielded
// from every other rule at every level, but only actually replaced with
// their token at paranoid; below paranoid the shielded span is restored
// verbatim ("preserved", per the spec's class table).
var protectedUntilParanoid = map[patternName]bool{
	patMoneyAmount: true,
	patCaseID:      true,
}

// Registry is an immutable, process-wide compiled rule set. Build it once
// at startup (Default or NewRegistryFromYAML) and share the pointer; it has
// no mutable state.
type Registry struct {
	compiled map[patternName]*regexp.Regexp
	version  int
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the process-wide singleton built from the embedded rule
// file, compiling it exactly once. This is the "global masker singleton"
// called for by the redesign notes, made safe by immutability rather than
// by avoiding a shared instance.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		b, err := defaultRulesFS.ReadFile("rules/default.yaml")
		if err != nil {
			defaultErr = err
			return
		}
		defaultReg, defaultErr = NewRegistryFromYAML(b)
	})
	return defaultReg, defaultErr
}

// NewRegistryFromYAML compiles a rule file (operator override or the
// embedded default) into a Registry. Every pattern named in priorityOrder
// must be present; unknown extra keys are ignored so an operator override
// doesn't need to restate structural patterns it isn't changing.
func NewRegistryFromYAML(b []byte) (*Registry, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("masker: parse rule file: %w", err)
	}
	reg := &Registry{compiled: make(map[patternName]*regexp.Regexp, len(priorityOrder)), version: rf.Version}
	for _, name := range priorityOrder {
		raw, ok := rf.Patterns[string(name)]
		if !ok || raw == "" {
			return nil, fmt.Errorf("masker: missing pattern %q", name)
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("masker: compile pattern %q: %w", name, err)
		}
		reg.compiled[name] = re
	}
	return reg, nil
}

// Version reports the loaded rule file's version, recorded on masking stats
// for audit purposes (never the matched text itself).
func (r *Registry) Version() int { return r.version }

// levelPatterns returns, in fixed priority order, the patterns active at
// level (plus anything that must always be protected so higher-priority
// passes don't need to re-derive it). dateStrictness only matters at strict
// level; paranoid always masks dates regardless of its value.
func levelPatterns(level canonical.SanitizeLevel, dateStrictness bool) []patternName {
	out := []patternName{patEmail, patPhone, patPersonnummer, patMoneyAmount, patCaseID}
	if level == canonical.SanitizeStrict || level == canonical.SanitizeParanoid {
		out = append(out, patLongNumeric)
	}
	if level == canonical.SanitizeStrict && dateStrictness {
		out = append(out, patDateISO, patDateMonth, patDateWeekday)
	}
	if level == canonical.SanitizeParanoid {
		out = append(out, patShortNumeric, patDateISO, patDateMonth, patDateWeekday)
	}
	return out
}
