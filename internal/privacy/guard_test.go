package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuard_StrictModeAbortsOnForbiddenKey(t *testing.T) {
	g := NewGuard(Strict, nil)
	_, err := g.Build(context.Background(), map[string]string{"body": "leaked raw text", "count": "3"}, "document_uploaded")
	require.Error(t, err)
	var leak *ContentLeakError
	require.ErrorAs(t, err, &leak)
	require.Contains(t, leak.Keys, "body")
}

func TestGuard_PermissiveModeDropsAndCounts(t *testing.T) {
	g := NewGuard(Permissive, nil)
	meta, err := g.Build(context.Background(), map[string]string{"content": "leaked", "classification": "sensitive"}, "document_uploaded")
	require.NoError(t, err)
	require.NotContains(t, meta.Values(), "content")
	require.Equal(t, "sensitive", meta.Values()["classification"])
	require.Equal(t, 1, g.Snapshot().ContentDrops)
}

func TestGuard_SourceSafetyModeDropsSourceKeys(t *testing.T) {
	g := NewGuard(Permissive, nil)
	meta, err := g.Build(context.Background(), map[string]string{"ip_address": "10.0.0.1", "size": "1024"}, "recording_transcribed")
	require.NoError(t, err)
	require.NotContains(t, meta.Values(), "ip_address")
	require.Equal(t, "1024", meta.Values()["size"])
}

func TestNewEvent_RequiresGuardedMetadata(t *testing.T) {
	g := NewGuard(Permissive, nil)
	meta, err := g.Build(context.Background(), map[string]string{"count": "2"}, "document_uploaded")
	require.NoError(t, err)

	ev, err := NewEvent("11111111-1111-4111-8111-111111111111", "document.uploaded", time.Now().UTC(), meta)
	require.NoError(t, err)
	require.Contains(t, string(ev.Payload), `"k":"count"`)
}
