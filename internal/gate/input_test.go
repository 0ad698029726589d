package gate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func testPolicy(minLevel canonical.SanitizeLevel, maxBytes int) policy.Policy {
	return policy.Policy{
		ID:               canonical.PolicyInternal,
		SanitizeMinLevel: minLevel,
		MaxBytes:         maxBytes,
		QuoteLimitWords:  7,
		DateStrictness:   false,
	}
}

func TestInputGate_EmptyInputSetShortCircuits(t *testing.T) {
	pack := knoxpack.Pack{}
	result := InputGate(pack, testPolicy(canonical.SanitizeNormal, 1_000_000))
	require.False(t, result.Passed)
	require.Equal(t, []string{"empty_input_set"}, result.Reasons)
}

func TestInputGate_SanitizeLevelTooLow(t *testing.T) {
	pack := knoxpack.Pack{Payload: knoxpack.Payload{
		Documents: []knoxpack.PayloadDocument{
			{ID: "doc-1", MaskedText: "clean text here", SanitizeLevel: canonical.SanitizeNormal},
		},
	}}
	result := InputGate(pack, testPolicy(canonical.SanitizeStrict, 1_000_000))
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "document_doc-1_sanitize_level_too_low")
}

func TestInputGate_PIIGateFailed(t *testing.T) {
	pack := knoxpack.Pack{Payload: knoxpack.Payload{
		Notes: []knoxpack.PayloadNote{
			{ID: "note-1", MaskedBody: "reach me at leak@example.com", SanitizeLevel: canonical.SanitizeNormal},
		},
	}}
	result := InputGate(pack, testPolicy(canonical.SanitizeNormal, 1_000_000))
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "pii_gate_failed")
}

func TestInputGate_SizeExceeded(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'a'
	}
	pack := knoxpack.Pack{Payload: knoxpack.Payload{
		Documents: []knoxpack.PayloadDocument{
			{ID: "doc-1", MaskedText: string(big), SanitizeLevel: canonical.SanitizeNormal},
		},
	}}
	result := InputGate(pack, testPolicy(canonical.SanitizeNormal, 100))
	require.False(t, result.Passed)
	require.Contains(t, result.Reasons, "size_exceeded")
}

func TestInputGate_PassesCleanPack(t *testing.T) {
	pack := knoxpack.Pack{Payload: knoxpack.Payload{
		Documents: []knoxpack.PayloadDocument{
			{ID: "doc-1", MaskedText: "the source described the event", SanitizeLevel: canonical.SanitizeNormal},
		},
	}}
	result := InputGate(pack, testPolicy(canonical.SanitizeNormal, 1_000_000))
	require.True(t, result.Passed)
	require.Empty(t, result.Reasons)
}
