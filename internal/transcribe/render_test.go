package transcribe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown_HasFixedHeaders(t *testing.T) {
	md := RenderMarkdown("Källan beskrev händelsen. Mötet ägde rum på kontoret. Inget mer att tillägga.")
	require.True(t, strings.HasPrefix(md, "## Sammanfattning"))
	require.Contains(t, md, "## Nyckelpunkter")
	require.Contains(t, md, "## Fullständigt transkript")
}

func TestRenderMarkdown_IsDeterministic(t *testing.T) {
	text := "Första meningen. Andra meningen. Tredje meningen."
	require.Equal(t, RenderMarkdown(text), RenderMarkdown(text))
}

func TestRenderMarkdown_FullTranscriptIsVerbatim(t *testing.T) {
	text := "Exakt den här texten ska finnas oförändrad i transkriptet."
	md := RenderMarkdown(text)
	require.Contains(t, md, text)
}
