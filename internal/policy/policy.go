// Package policy loads and validates the two Knox policy profiles
// (internal, external) that drive the Input/Output Gate (C8): the minimum
// sanitize level a document must already be at, the payload size cap, the
// quote-length threshold the Re-ID Guard's n-gram check uses, and whether
// the Output Gate rejects exact date tokens.
package policy

import (
	"errors"
	"fmt"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// Policy is one compiled, closed-schema-validated policy profile.
type Policy struct {
	ID               canonical.PolicyID
	SanitizeMinLevel canonical.SanitizeLevel
	MaxBytes         int
	QuoteLimitWords  int
	DateStrictness   bool
}

// NGramSize is the Re-ID Guard's n-gram window: N = quote_limit_words + 1,
// so any run of N consecutive words shared between input and output counts
// as a verbatim quote.
func (p Policy) NGramSize() int { return p.QuoteLimitWords + 1 }

// Set is the fully loaded, compiled pair of policies plus the document
// version and ruleset hash recorded on every KnoxReport.
type Set struct {
	Version     string
	RulesetHash string

	internal Policy
	external Policy
}

var (
	ErrUnknownPolicy = errors.New("policy: unknown policy id")
)

// Get returns the policy for id, or ErrUnknownPolicy if id isn't one of
// {internal, external}.
func (s *Set) Get(id canonical.PolicyID) (Policy, error) {
	switch id {
	case canonical.PolicyInternal:
		return s.internal, nil
	case canonical.PolicyExternal:
		return s.external, nil
	default:
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, id)
	}
}
