// Package gate implements the Gate Engine (component C8): the PII-gate leak
// check shared by the Sanitization Service and the Input/Output gates, plus
// (in input.go/output.go) the pre-send Input Gate and the post-receive
// Output Gate + Re-ID Guard around a Knox compile.
package gate

import "regexp"

// The PII-gate patterns are a deliberately looser superset of
// internal/masker's rule table: masker's patterns are tuned to mask
// confidently on a known-shape input, while the gate's job is to catch
// anything that merely looks like a leak in text that is already supposed
// to be clean. Keeping this set separate (rather than exporting masker's
// compiled regexes) means tightening a mask pattern can never accidentally
// loosen the gate that checks its own output.
var (
	reLeakEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	reLeakPhone = regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?|\(?\b0)\d{1,3}\)?(?:[-.\s]?\d{2,4}){2,4}`)
	reLeakPNR   = regexp.MustCompile(`\b(?:\d{8}|\d{6})[-+]?\d{4}\b`)
)

// LeakReason names which class of PII-gate pattern matched.
type LeakReason string

const (
	LeakEmail LeakReason = "email_detected"
	LeakPhone LeakReason = "phone_detected"
	LeakPNR   LeakReason = "personnummer_detected"
)

// PIILeakCheck runs the superset regex set for email/phone/personnummer
// against text. It never reports what matched, only which classes did, so
// callers can log the reasons without the core ever persisting or emitting
// the leaked fragment itself.
func PIILeakCheck(text string) (leaked bool, reasons []LeakReason) {
	if reLeakEmail.MatchString(text) {
		reasons = append(reasons, LeakEmail)
	}
	if reLeakPhone.MatchString(text) {
		reasons = append(reasons, LeakPhone)
	}
	if reLeakPNR.MatchString(text) {
		reasons = append(reasons, LeakPNR)
	}
	return len(reasons) > 0, reasons
}
