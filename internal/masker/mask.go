package masker

import (
	"strings"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

const maxPasses = 3

// Stats reports what mask() did to a text, without ever carrying the
// matched content itself — only counts, suitable for an Event payload.
type Stats struct {
	RulesetVersion int            `json:"ruleset_version"`
	Passes         int            `json:"passes"`
	Counts         map[string]int `json:"counts,omitempty"`
}

// Mask applies reg's rules at level to text and returns the masked text plus
// stats. It is pure and deterministic: the same (registry, level, text,
// dateStrictness) always produces byte-identical output, and masking an
// already-masked text is a no-op (idempotent), since every emitted token is
// a literal bracketed word no active pattern can match.
func (r *Registry) Mask(level canonical.SanitizeLevel, text string, dateStrictness bool) (string, Stats) {
	text = normalizeNewlines(text)
	active := levelPatterns(level, dateStrictness)

	counts := make(map[string]int, len(active))
	passes := 0
	cur := text
	for p := 0; p < maxPasses; p++ {
		next, changed := r.onePass(cur, active, counts)
		passes++
		cur = next
		if !changed {
			break
		}
	}

	var out map[string]int
	if len(counts) > 0 {
		out = counts
	}
	return cur, Stats{RulesetVersion: r.version, Passes: passes, Counts: out}
}

// onePass runs every active pattern, in priority order, exactly once over
// text. Protected patterns (money/case-id) are shielded with a sentinel
// first so no later pattern in this pass (and none in the next pass) can
// touch their digits, then either restored verbatim or converted to their
// token depending on whether this pass is running at paranoid.
func (r *Registry) onePass(text string, active []patternName, counts map[string]int) (string, bool) {
	changed := false
	isParanoidPass := false
	for _, n := range active {
		if n == patShortNumeric {
			isParanoidPass = true
		}
	}

	// Shield protected spans first regardless of whether they are in
	// `active` this pass, so a strict-level long_numeric pass never eats
	// the digits of a preserved money amount or case id.
	shielded, restore := r.shield(text)
	work := shielded

	for _, n := range active {
		if protectedUntilParanoid[n] {
			continue // already shielded; handled by restore below
		}
		re := r.compiled[n]
		if re == nil {
			continue
		}
		tok := tokens[n]
		before := work
		work = re.ReplaceAllStringFunc(work, func(m string) string {
			counts[string(n)]++
			return tok
		})
		if work != before {
			changed = true
		}
	}

	restored := restore(work, isParanoidPass, counts)
	if restored != text {
		changed = true
	}
	return restored, changed
}

type shieldSpan struct {
	name patternName
	text string
}

// shield finds every protected-pattern match in text (checked in their
// priorityOrder position, leftmost-longest across patterns) and replaces
// each with a unique sentinel that cannot be matched by any digit/date
// pattern, returning a restore func that either puts the original text
// back (non-paranoid) or swaps in the pattern's literal token (paranoid).
func (r *Registry) shield(text string) (string, func(work string, paranoid bool, counts map[string]int) string) {
	var spans []shieldSpan
	work := text
	for _, n := range []patternName{patMoneyAmount, patCaseID} {
		re := r.compiled[n]
		if re == nil {
			continue
		}
		work = re.ReplaceAllStringFunc(work, func(m string) string {
			idx := len(spans)
			spans = append(spans, shieldSpan{name: n, text: m})
			return sentinel(idx)
		})
	}
	restore := func(w string, paranoid bool, counts map[string]int) string {
		for i, s := range spans {
			repl := s.text
			if paranoid {
				repl = tokens[s.name]
				counts[string(s.name)]++
			}
			w = strings.ReplaceAll(w, sentinel(i), repl)
		}
		return w
	}
	return work, restore
}

func sentinel(i int) string {
	return "\x00PROTECT" + itoa(i) + "\x00"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// UsageRestrictionsFor derives the usage_restrictions implied purely by a
// sanitize level: paranoid forbids both AI use and export; every other
// level allows both.
func UsageRestrictionsFor(level canonical.SanitizeLevel) canonical.UsageRestrictions {
	if level == canonical.SanitizeParanoid {
		return canonical.UsageRestrictions{AIAllowed: false, ExportAllowed: false}
	}
	return canonical.UsageRestrictions{AIAllowed: true, ExportAllowed: true}
}
