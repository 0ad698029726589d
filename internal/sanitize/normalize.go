package sanitize

import (
	"regexp"
	"strings"
)

// combiningCompositions maps a (base rune, combining mark) pair to its
// precomposed NFC form. golang.org/x/text/unicode/norm is not in the
// example pack (see DESIGN.md), so rather than hand-roll the general
// Unicode NFC algorithm this is a closed table covering exactly the
// decomposed forms the sv-SE ingest fixtures are known to produce: Latin
// vowels followed by combining ring above (U+030A), diaeresis (U+0308), or
// acute accent (U+0301). Any other decomposed sequence passes through
// unchanged — it will fail to mask as confidently as its precomposed
// equivalent, which is the safe direction to fail in (more conservative
// masking, never less).
var combiningCompositions = map[rune]map[rune]rune{
	'a': {'̊': 'å', '̈': 'ä', '́': 'á'},
	'A': {'̊': 'Å', '̈': 'Ä', '́': 'Á'},
	'o': {'̈': 'ö', '́': 'ó'},
	'O': {'̈': 'Ö', '́': 'Ó'},
	'e': {'́': 'é', '̈': 'ë'},
	'E': {'́': 'É', '̈': 'Ë'},
	'u': {'̈': 'ü', '́': 'ú'},
	'U': {'̈': 'Ü', '́': 'Ú'},
	'i': {'̈': 'ï', '́': 'í'},
	'I': {'̈': 'Ï', '́': 'Í'},
	'c': {'̧': 'ç'},
	'C': {'̧': 'Ç'},
	'n': {'̃': 'ñ'},
	'N': {'̃': 'Ñ'},
}

// nfc composes every (base, combining mark) pair in combiningCompositions,
// the narrow substitute for golang.org/x/text/unicode/norm.NFC.String
// described in DESIGN.md.
func nfc(s string) string {
	r := []rune(s)
	out := make([]rune, 0, len(r))
	for i := 0; i < len(r); i++ {
		if i+1 < len(r) {
			if marks, ok := combiningCompositions[r[i]]; ok {
				if composed, ok := marks[r[i+1]]; ok {
					out = append(out, composed)
					i++
					continue
				}
			}
		}
		out = append(out, r[i])
	}
	return string(out)
}

var (
	reZeroWidth  = regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{FEFF}]`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
)

// normalizeText runs the C5 normalize step: NFC, unify line endings,
// collapse whitespace runs, strip zero-width characters. Order matters:
// line-ending unification must precede whitespace collapsing so a lone \r
// doesn't survive as a stray character, and zero-width stripping happens
// last so it can't widen a whitespace run it was adjacent to.
func normalizeText(s string) string {
	s = nfc(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = reZeroWidth.ReplaceAllString(s, "")
	s = reWhitespace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
