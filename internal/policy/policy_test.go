package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func TestDefault_LoadsBothPolicies(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, set.Version)
	require.NotEmpty(t, set.RulesetHash)

	internal, err := set.Get(canonical.PolicyInternal)
	require.NoError(t, err)
	require.Equal(t, canonical.SanitizeNormal, internal.SanitizeMinLevel)
	require.Equal(t, 8, internal.NGramSize())

	external, err := set.Get(canonical.PolicyExternal)
	require.NoError(t, err)
	require.Equal(t, canonical.SanitizeStrict, external.SanitizeMinLevel)
	require.True(t, external.DateStrictness)
	require.Less(t, external.MaxBytes, internal.MaxBytes)
}

func TestGet_UnknownPolicyID(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)
	_, err = set.Get(canonical.PolicyID("bogus"))
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestLoadYAML_RejectsUnknownKey(t *testing.T) {
	bad := []byte(`
version: "1"
policies:
  internal:
    sanitize_min_level: normal
    max_bytes: 100
    quote_limit_words: 7
    date_strictness: false
    unknown_field: true
  external:
    sanitize_min_level: strict
    max_bytes: 100
    quote_limit_words: 7
    date_strictness: true
`)
	_, err := LoadYAML(bad)
	require.Error(t, err)
}

func TestLoadYAML_RejectsInvalidSanitizeLevel(t *testing.T) {
	bad := []byte(`
version: "1"
policies:
  internal:
    sanitize_min_level: bogus
    max_bytes: 100
    quote_limit_words: 7
    date_strictness: false
  external:
    sanitize_min_level: strict
    max_bytes: 100
    quote_limit_words: 7
    date_strictness: true
`)
	_, err := LoadYAML(bad)
	require.Error(t, err)
}

func TestLoadYAML_DeterministicRulesetHash(t *testing.T) {
	a, err := LoadYAML(defaultDoc(t))
	require.NoError(t, err)
	b, err := LoadYAML(defaultDoc(t))
	require.NoError(t, err)
	require.Equal(t, a.RulesetHash, b.RulesetHash)
}

func defaultDoc(t *testing.T) []byte {
	t.Helper()
	b, err := defaultPoliciesFS.ReadFile("policies/default.yaml")
	require.NoError(t, err)
	return b
}
