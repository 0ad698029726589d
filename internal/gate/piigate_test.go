package gate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPIILeakCheck_DetectsEmail(t *testing.T) {
	leaked, reasons := PIILeakCheck("contact anna@example.com for details")
	require.True(t, leaked)
	require.Contains(t, reasons, LeakEmail)
}

func TestPIILeakCheck_DetectsSwedishPersonnummer(t *testing.T) {
	leaked, reasons := PIILeakCheck("personnummer 19850101-1234 on file")
	require.True(t, leaked)
	require.Contains(t, reasons, LeakPNR)
}

func TestPIILeakCheck_DetectsPhone(t *testing.T) {
	leaked, reasons := PIILeakCheck("ring 070-123 45 67 snarast")
	require.True(t, leaked)
	require.Contains(t, reasons, LeakPhone)
}

func TestPIILeakCheck_CleanTextPasses(t *testing.T) {
	leaked, reasons := PIILeakCheck("the source met the journalist downtown")
	require.False(t, leaked)
	require.Empty(t, reasons)
}
