package transcribe

import (
	"strings"
)

// maxSummaryChars bounds the deterministic "Sammanfattning" excerpt: the
// core has no summarization model of its own (the only remote call in the
// whole system is the Fort Knox compile at C9), so the summary is a fixed,
// non-AI excerpt of the refined transcript rather than a generated one.
const maxSummaryChars = 280

// maxKeyPoints bounds how many sentences the deterministic "Nyckelpunkter"
// extract lists.
const maxKeyPoints = 5

var sentenceSplitter = strings.NewReplacer("\n", " ")

// RenderMarkdown builds the fixed `## Sammanfattning / ## Nyckelpunkter /
// ## Fullständigt transkript` template from refined text, per spec.md
// §4.6 step 4. Rendering is deterministic: the same refined_text always
// produces the same markdown. Sammanfattning and Nyckelpunkter are
// mechanical excerpts of the transcript (a leading clip and its first few
// sentences), not a generated summary — there is no summarization model
// in this service.
func RenderMarkdown(refined string) string {
	sentences := splitSentences(refined)

	var b strings.Builder
	b.WriteString("## Sammanfattning\n\n")
	b.WriteString(excerpt(refined, maxSummaryChars))
	b.WriteString("\n\n")

	b.WriteString("## Nyckelpunkter\n\n")
	n := len(sentences)
	if n > maxKeyPoints {
		n = maxKeyPoints
	}
	for _, s := range sentences[:n] {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Fullständigt transkript\n\n")
	b.WriteString(refined)
	b.WriteString("\n")

	return b.String()
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(sentenceSplitter.Replace(s))
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "…"
}

// splitSentences is a plain period/question/exclamation splitter — the
// refined transcript has already had disfluencies stripped, so this
// doesn't need to be linguistically precise, only deterministic.
func splitSentences(s string) []string {
	raw := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		t := strings.TrimSpace(r)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
