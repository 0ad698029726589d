package gate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// InputGateResult reports whether a pack may be sent to the remote engine
// and, if not, every reason it was refused — the gate never stops at the
// first failing check so an operator sees the whole picture in one pass.
type InputGateResult struct {
	Passed  bool
	Reasons []string
}

// InputGate runs the four checks spec.md §4.8 requires before any remote
// call, in order, fail-closed. Unlike the Output Gate (which can stop
// early once schema validation fails, because nothing downstream of a
// bad schema is meaningful), the Input Gate evaluates every check against
// the same pack and returns every reason that applies.
func InputGate(pack knoxpack.Pack, pol policy.Policy) InputGateResult {
	var reasons []string

	if len(pack.Payload.Documents) == 0 && len(pack.Payload.Notes) == 0 {
		return InputGateResult{Reasons: []string{"empty_input_set"}}
	}

	for _, d := range pack.Payload.Documents {
		if !canonical.SanitizeLevelAtLeast(d.SanitizeLevel, pol.SanitizeMinLevel) {
			reasons = append(reasons, fmt.Sprintf("document_%s_sanitize_level_too_low", d.ID))
		}
	}
	for _, n := range pack.Payload.Notes {
		if !canonical.SanitizeLevelAtLeast(n.SanitizeLevel, pol.SanitizeMinLevel) {
			reasons = append(reasons, fmt.Sprintf("note_%s_sanitize_level_too_low", n.ID))
		}
	}

	var all strings.Builder
	for _, d := range pack.Payload.Documents {
		all.WriteString(d.MaskedText)
		all.WriteString("\n")
	}
	for _, n := range pack.Payload.Notes {
		all.WriteString(n.MaskedBody)
		all.WriteString("\n")
	}
	if leaked, _ := PIILeakCheck(all.String()); leaked {
		reasons = append(reasons, "pii_gate_failed")
	}

	// The payload's own JSON encoding (not the manifest's canonical form) is
	// what actually crosses the wire, so size_exceeded checks that.
	if payloadJSON, err := json.Marshal(pack.Payload); err == nil && pol.MaxBytes > 0 && len(payloadJSON) > pol.MaxBytes {
		reasons = append(reasons, "size_exceeded")
	}

	return InputGateResult{Passed: len(reasons) == 0, Reasons: reasons}
}
