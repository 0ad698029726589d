package gate

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/pkg/contracts"
)

// OutputGateResult is everything C9 needs after an Output Gate run: whether
// it passed, why not, and (when schema validation succeeded) the parsed
// response and its deterministic markdown rendering, so the orchestrator's
// own "render" step never has to redo work the gate already did.
type OutputGateResult struct {
	Passed   bool
	Reasons  []string
	Response KnoxResponse
	Rendered string
}

// exactDateRe matches an ISO date or a Swedish locale-written month with a
// day number — the same shapes masker/rules/default.yaml's date_iso and
// date_locale_month patterns target, re-declared here for the same reason
// the PII-gate patterns are: the Output Gate's date-strictness check must
// stay independently tunable from the masker's own masking patterns.
var exactDateRe = regexp.MustCompile(
	`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}\s+(?:januari|februari|mars|april|maj|juni|juli|augusti|september|oktober|november|december)(?:\s+\d{4})?\b`,
)

// OutputGate runs the post-receive checks spec.md §4.8 describes, in
// order, never persisting a report if any step fails: schema, PII-gate on
// the rendered markdown, the Re-ID Guard's n-gram match against the
// pack's input texts, and (external policy only) date strictness.
func OutputGate(ctx context.Context, raw map[string]any, inputTexts []string, pol policy.Policy) OutputGateResult {
	schema, err := responseSchemaCompiled()
	if err != nil {
		return OutputGateResult{Reasons: []string{"schema_invalid"}}
	}
	cv := contracts.NewValidator(contracts.VOptions{})
	report := cv.Validate(ctx, schema, raw)
	if report.HasErrors() {
		return OutputGateResult{Reasons: []string{"schema_invalid"}}
	}

	resp, err := decodeResponse(raw)
	if err != nil {
		return OutputGateResult{Reasons: []string{"schema_invalid"}}
	}

	rendered := RenderMarkdown(resp)
	var reasons []string

	if leaked, _ := PIILeakCheck(rendered); leaked {
		reasons = append(reasons, "pii_gate_failed")
	}

	if quoteDetected(inputTexts, rendered, pol.NGramSize()) {
		reasons = append(reasons, "quote_detected")
	}

	if pol.DateStrictness && exactDateRe.MatchString(rendered) {
		reasons = append(reasons, "exact_date_detected")
	}

	return OutputGateResult{
		Passed:   len(reasons) == 0,
		Reasons:  reasons,
		Response: resp,
		Rendered: rendered,
	}
}

func decodeResponse(raw map[string]any) (KnoxResponse, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return KnoxResponse{}, err
	}
	var r KnoxResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return KnoxResponse{}, err
	}
	return r, nil
}

var reCollapseSpace = regexp.MustCompile(`\s+`)

// normalizeForNGram lowercases and collapses whitespace, per spec.md
// §4.8's Re-ID Guard normalization rule, then splits into words.
func normalizeForNGram(s string) []string {
	s = strings.ToLower(s)
	s = reCollapseSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

func ngramSet(words []string, n int) map[string]struct{} {
	out := make(map[string]struct{})
	if n <= 0 || len(words) < n {
		return out
	}
	for i := 0; i+n <= len(words); i++ {
		out[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return out
}

// quoteDetected reports whether any N-word run from the union of input
// texts reappears verbatim (after normalization) in the rendered output,
// where N = policy.quote_limit_words + 1.
func quoteDetected(inputTexts []string, rendered string, n int) bool {
	var inputWords []string
	for _, t := range inputTexts {
		inputWords = append(inputWords, normalizeForNGram(t)...)
	}
	inputGrams := ngramSet(inputWords, n)
	if len(inputGrams) == 0 {
		return false
	}
	outputGrams := ngramSet(normalizeForNGram(rendered), n)
	for g := range outputGrams {
		if _, ok := inputGrams[g]; ok {
			return true
		}
	}
	return false
}
