package masker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Default()
	require.NoError(t, err)
	return reg
}

func TestMask_SafeDocumentIngest(t *testing.T) {
	reg := testRegistry(t)
	in := "Kontakta Anna anna@ex.com tel 070-123 45 67 den 2025-06-01 angående projektet."
	out, stats := reg.Mask(canonical.SanitizeNormal, in, false)
	require.Contains(t, out, "[EMAIL]")
	require.Contains(t, out, "[PHONE]")
	require.Contains(t, out, "2025-06-01") // dates preserved at normal
	require.GreaterOrEqual(t, stats.Passes, 1)
	require.LessOrEqual(t, stats.Passes, 3)
}

func TestMask_Idempotent(t *testing.T) {
	reg := testRegistry(t)
	in := "Ring 070-123 45 67 eller maila a@b.com. Personnummer 19850315-1234."
	for _, level := range []canonical.SanitizeLevel{canonical.SanitizeNormal, canonical.SanitizeStrict, canonical.SanitizeParanoid} {
		once, _ := reg.Mask(level, in, true)
		twice, _ := reg.Mask(level, once, true)
		require.Equal(t, once, twice, "mask must be idempotent at level %s", level)
	}
}

func TestMask_LevelMonotonicity(t *testing.T) {
	reg := testRegistry(t)
	in := "Ordernummer ABC-12345 på 1200 kr betalades 19850315-1234."
	normal, _ := reg.Mask(canonical.SanitizeNormal, in, false)
	strict, _ := reg.Mask(canonical.SanitizeStrict, in, false)
	paranoid, _ := reg.Mask(canonical.SanitizeParanoid, in, false)

	require.Contains(t, normal, "[PERSONNUMMER]")
	require.Contains(t, normal, "1200 kr") // preserved at normal
	require.Contains(t, strict, "[PERSONNUMMER]")
	require.Contains(t, paranoid, "[AMOUNT]")
	require.Contains(t, paranoid, "[ID]")
}

func TestUsageRestrictionsFor(t *testing.T) {
	require.Equal(t, canonical.UsageRestrictions{AIAllowed: true, ExportAllowed: true}, UsageRestrictionsFor(canonical.SanitizeNormal))
	require.Equal(t, canonical.UsageRestrictions{AIAllowed: false, ExportAllowed: false}, UsageRestrictionsFor(canonical.SanitizeParanoid))
}
