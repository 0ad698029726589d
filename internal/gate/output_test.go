package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func validResponse() map[string]any {
	return map[string]any{
		"template_id":       "tmpl-1",
		"language":          "sv",
		"title":             "Granskning av kommunens upphandling",
		"executive_summary": "En sammanfattning av underlaget.",
		"themes": []any{
			map[string]any{"name": "Upphandling", "bullets": []any{"punkt ett", "punkt två"}},
		},
		"timeline_high_level": []any{"2024: inledande granskning"},
		"risks": []any{
			map[string]any{"risk": "jäv", "mitigation": "extern granskning"},
		},
		"open_questions": []any{"vem godkände avtalet?"},
		"next_steps":     []any{"begär ut fler handlingar"},
		"confidence":     "medium",
	}
}

func TestOutputGate_PassesValidResponse(t *testing.T) {
	result := OutputGate(context.Background(), validResponse(), []string{"källan beskrev händelsen på ett neutralt sätt"}, testPolicy("", 0))
	require.True(t, result.Passed)
	require.Empty(t, result.Reasons)
	require.Contains(t, result.Rendered, "# Granskning av kommunens upphandling")
}

func TestOutputGate_SchemaInvalidRejectsUnknownField(t *testing.T) {
	resp := validResponse()
	resp["extra_field"] = "not allowed"
	result := OutputGate(context.Background(), resp, nil, testPolicy("", 0))
	require.False(t, result.Passed)
	require.Equal(t, []string{"schema_invalid"}, result.Reasons)
}

func TestOutputGate_SchemaInvalidRejectsBadEnum(t *testing.T) {
	resp := validResponse()
	resp["confidence"] = "extremely-high"
	result := OutputGate(context.Background(), resp, nil, testPolicy("", 0))
	require.False(t, result.Passed)
	require.Equal(t, []string{"schema_invalid"}, result.Reasons)
}

func TestOutputGate_PIIGateFailedOnLeakedResponse(t *testing.T) {
	resp := validResponse()
	resp["executive_summary"] = "kontakta anna@example.com för mer information"
	result := OutputGate(context.Background(), resp, nil, testPolicy("", 0))
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "pii_gate_failed")
}

func TestOutputGate_QuoteDetectedOnVerbatimReuse(t *testing.T) {
	quote := "källan sa att kommunen kände till problemet redan i januari"
	resp := validResponse()
	resp["executive_summary"] = quote
	pol := testPolicy("", 0)
	pol.QuoteLimitWords = 5 // N = 6 words
	result := OutputGate(context.Background(), resp, []string{quote}, pol)
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "quote_detected")
}

func TestOutputGate_ExactDateDetectedOnlyWhenStrict(t *testing.T) {
	resp := validResponse()
	resp["executive_summary"] = "mötet ägde rum 2024-03-15 enligt underlaget"

	lenient := testPolicy("", 0)
	lenient.DateStrictness = false
	result := OutputGate(context.Background(), resp, nil, lenient)
	require.True(t, result.Passed)

	strict := testPolicy("", 0)
	strict.DateStrictness = true
	result = OutputGate(context.Background(), resp, nil, strict)
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "exact_date_detected")
}
