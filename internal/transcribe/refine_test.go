package transcribe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRuleSet_Loads(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	require.Equal(t, 1, rs.Version)
}

func TestRefine_StripsDisfluencies(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	out := rs.Refine("och så, eh, sa hon att um det var sant")
	require.NotContains(t, out, "eh")
	require.NotContains(t, out, "um")
}

func TestRefine_IsDeterministic(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	in := "källan sa, öh, att mötet var  den 3 mars"
	require.Equal(t, rs.Refine(in), rs.Refine(in))
}

func TestRefine_CollapsesExtraWhitespace(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	out := rs.Refine("hej    där")
	require.Equal(t, "hej där", out)
}
